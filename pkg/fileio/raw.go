package fileio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/arzzra/switch_core/pkg/core"
)

// rawHandle файл без заголовка: little-endian PCM16.
// Теги хранятся только в памяти.
type rawHandle struct {
	tagSet

	path     string
	mode     Mode
	rate     int
	channels int

	f       *os.File
	w       *bufio.Writer
	r       *bufio.Reader
	samples int64 // всего отсчетов в файле
	pos     int64 // текущая позиция в отсчетах
}

func openRaw(fixedRate int) func(path string, mode Mode, rate, channels int) (Handle, error) {
	return func(path string, mode Mode, rate, channels int) (Handle, error) {
		if fixedRate > 0 {
			rate = fixedRate
		}
		h := &rawHandle{path: path, mode: mode, rate: rate, channels: channels}

		var err error
		switch mode {
		case ModeWrite:
			h.f, err = os.Create(path)
			if err != nil {
				return nil, ioError(path, "ошибка создания файла", err)
			}
			h.w = bufio.NewWriter(h.f)
		default:
			h.f, err = os.Open(path)
			if err != nil {
				return nil, ioError(path, "ошибка открытия файла", err)
			}
			st, err := h.f.Stat()
			if err != nil {
				h.f.Close()
				return nil, ioError(path, "ошибка чтения файла", err)
			}
			h.samples = st.Size() / 2
			h.r = bufio.NewReader(h.f)
		}
		return h, nil
	}
}

func (h *rawHandle) Read(dst []int16) (int, error) {
	if h.mode != ModeRead {
		return 0, core.NewError(core.ErrorCodeInvalidArgument, "", "файл открыт на запись")
	}
	n, err := readPCM(h.r, dst)
	h.pos += int64(n)
	return n, err
}

func (h *rawHandle) Write(src []int16) (int, error) {
	if h.mode != ModeWrite {
		return 0, core.NewError(core.ErrorCodeInvalidArgument, "", "файл открыт на чтение")
	}
	if err := binary.Write(h.w, binary.LittleEndian, src); err != nil {
		return 0, ioError(h.path, "ошибка записи файла", err)
	}
	h.samples += int64(len(src))
	h.pos = h.samples
	return len(src), nil
}

func (h *rawHandle) Seek(samples int64, whence int) (int64, error) {
	if h.mode != ModeRead {
		return h.pos / int64(h.channels), core.NewError(core.ErrorCodeInvalidArgument, "", "seek доступен только при чтении")
	}
	target, err := seekTarget(h.pos, h.samples, samples*int64(h.channels), whence)
	if err != nil {
		return 0, err
	}
	if _, err := h.f.Seek(target*2, io.SeekStart); err != nil {
		return 0, ioError(h.path, "ошибка позиционирования", err)
	}
	h.r.Reset(h.f)
	h.pos = target
	return target / int64(h.channels), nil
}

func (h *rawHandle) Close() error {
	var errs []error
	if h.w != nil {
		errs = append(errs, h.w.Flush())
	}
	errs = append(errs, h.f.Close())
	if err := errors.Join(errs...); err != nil {
		return ioError(h.path, "ошибка закрытия файла", err)
	}
	return nil
}

func (h *rawHandle) SampleRate() int { return h.rate }
func (h *rawHandle) Channels() int   { return h.channels }
func (h *rawHandle) Samples() int64  { return h.samples / int64(h.channels) }
func (h *rawHandle) Path() string    { return h.path }

// readPCM читает little-endian отсчеты. Неполный последний отсчет отбрасывается.
func readPCM(r io.Reader, dst []int16) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(dst)*2)
	n, err := io.ReadFull(r, buf)
	got := n / 2
	for i := 0; i < got; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	switch {
	case err == nil:
		return got, nil
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		if got == 0 {
			return 0, io.EOF
		}
		return got, nil
	default:
		return got, err
	}
}

func seekTarget(pos, total, offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = pos + offset
	case io.SeekEnd:
		target = total + offset
	default:
		return 0, core.Errorf(core.ErrorCodeInvalidArgument, "неизвестный whence: %d", whence)
	}
	return max(0, min(target, total)), nil
}
