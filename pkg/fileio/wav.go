package fileio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/arzzra/switch_core/pkg/core"
)

const (
	wavHeaderSize  = 44
	wavDataSizeOff = 40
	wavFormatPCM   = 1
)

var infoIDs = map[Tag]string{
	TagTitle:     "INAM",
	TagArtist:    "IART",
	TagComment:   "ICMT",
	TagDate:      "ICRD",
	TagCopyright: "ICOP",
	TagSoftware:  "ISFT",
}

// wavHandle RIFF/WAVE PCM16. Теги пишутся чанком LIST/INFO после данных.
type wavHandle struct {
	tagSet

	path     string
	mode     Mode
	rate     int
	channels int

	f *os.File
	w *bufio.Writer
	r *bufio.Reader

	dataOff int64 // смещение начала данных
	samples int64 // всего отсчетов в файле
	pos     int64 // текущая позиция в отсчетах
}

func openWAV(path string, mode Mode, rate, channels int) (Handle, error) {
	h := &wavHandle{path: path, mode: mode, rate: rate, channels: channels}

	if mode == ModeWrite {
		f, err := os.Create(path)
		if err != nil {
			return nil, ioError(path, "ошибка создания файла", err)
		}
		h.f = f
		h.w = bufio.NewWriter(f)
		h.dataOff = wavHeaderSize
		if err := h.writeHeader(h.w, 0); err != nil {
			f.Close()
			return nil, ioError(path, "ошибка записи заголовка", err)
		}
		return h, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, ioError(path, "ошибка открытия файла", err)
	}
	h.f = f
	if err := h.parse(); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(h.dataOff, io.SeekStart); err != nil {
		f.Close()
		return nil, ioError(path, "ошибка позиционирования", err)
	}
	h.r = bufio.NewReader(f)
	return h, nil
}

func (h *wavHandle) writeHeader(w io.Writer, dataBytes uint32) error {
	blockAlign := uint16(h.channels * 2)
	hdr := struct {
		RIFF       [4]byte
		Size       uint32
		WAVE       [4]byte
		Fmt        [4]byte
		FmtSize    uint32
		Format     uint16
		Channels   uint16
		Rate       uint32
		ByteRate   uint32
		BlockAlign uint16
		Bits       uint16
		Data       [4]byte
		DataSize   uint32
	}{
		RIFF:       [4]byte{'R', 'I', 'F', 'F'},
		Size:       36 + dataBytes,
		WAVE:       [4]byte{'W', 'A', 'V', 'E'},
		Fmt:        [4]byte{'f', 'm', 't', ' '},
		FmtSize:    16,
		Format:     wavFormatPCM,
		Channels:   uint16(h.channels),
		Rate:       uint32(h.rate),
		ByteRate:   uint32(h.rate) * uint32(blockAlign),
		BlockAlign: blockAlign,
		Bits:       16,
		Data:       [4]byte{'d', 'a', 't', 'a'},
		DataSize:   dataBytes,
	}
	return binary.Write(w, binary.LittleEndian, &hdr)
}

// parse разбирает чанки fmt, data и LIST/INFO
func (h *wavHandle) parse() error {
	var riff [12]byte
	if _, err := io.ReadFull(h.f, riff[:]); err != nil {
		return ioError(h.path, "ошибка чтения заголовка", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return core.Errorf(core.ErrorCodeInvalidArgument, "файл %s не является WAVE", h.path)
	}

	off := int64(12)
	haveFmt, haveData := false, false
	for {
		var ch [8]byte
		if _, err := io.ReadFull(h.f, ch[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return ioError(h.path, "ошибка чтения чанка", err)
		}
		id := string(ch[0:4])
		size := int64(binary.LittleEndian.Uint32(ch[4:8]))
		off += 8

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(h.f, body); err != nil {
				return ioError(h.path, "ошибка чтения fmt", err)
			}
			if size < 16 || binary.LittleEndian.Uint16(body[0:2]) != wavFormatPCM ||
				binary.LittleEndian.Uint16(body[14:16]) != 16 {
				return core.Errorf(core.ErrorCodeInvalidArgument, "файл %s: поддерживается только PCM16", h.path)
			}
			h.channels = int(binary.LittleEndian.Uint16(body[2:4]))
			h.rate = int(binary.LittleEndian.Uint32(body[4:8]))
			haveFmt = true
		case "data":
			h.dataOff = off
			h.samples = size / 2
			haveData = true
			if _, err := h.f.Seek(size, io.SeekCurrent); err != nil {
				return ioError(h.path, "ошибка позиционирования", err)
			}
		case "LIST":
			body := make([]byte, size)
			if _, err := io.ReadFull(h.f, body); err != nil {
				return ioError(h.path, "ошибка чтения LIST", err)
			}
			h.parseInfo(body)
		default:
			if _, err := h.f.Seek(size, io.SeekCurrent); err != nil {
				return ioError(h.path, "ошибка позиционирования", err)
			}
		}
		off += size
		if size%2 == 1 {
			if _, err := h.f.Seek(1, io.SeekCurrent); err != nil {
				return ioError(h.path, "ошибка позиционирования", err)
			}
			off++
		}
	}

	if !haveFmt || !haveData || h.channels <= 0 {
		return core.Errorf(core.ErrorCodeInvalidArgument, "файл %s: нет чанков fmt/data", h.path)
	}
	return nil
}

func (h *wavHandle) parseInfo(body []byte) {
	if len(body) < 4 || string(body[0:4]) != "INFO" {
		return
	}
	byID := make(map[string]Tag, len(infoIDs))
	for t, id := range infoIDs {
		byID[id] = t
	}
	for p := 4; p+8 <= len(body); {
		id := string(body[p : p+4])
		size := int(binary.LittleEndian.Uint32(body[p+4 : p+8]))
		p += 8
		if p+size > len(body) {
			return
		}
		if t, ok := byID[id]; ok {
			h.SetTag(t, string(bytes.TrimRight(body[p:p+size], "\x00")))
		}
		p += size + size%2
	}
}

func (h *wavHandle) infoChunk() []byte {
	var body bytes.Buffer
	for _, t := range Tags {
		v := h.Tag(t)
		if v == "" {
			continue
		}
		data := append([]byte(v), 0)
		if len(data)%2 == 1 {
			data = append(data, 0)
		}
		body.WriteString(infoIDs[t])
		_ = binary.Write(&body, binary.LittleEndian, uint32(len(v)+1))
		body.Write(data)
	}
	if body.Len() == 0 {
		return nil
	}

	var out bytes.Buffer
	out.WriteString("LIST")
	_ = binary.Write(&out, binary.LittleEndian, uint32(body.Len()+4))
	out.WriteString("INFO")
	out.Write(body.Bytes())
	return out.Bytes()
}

func (h *wavHandle) Read(dst []int16) (int, error) {
	if h.mode != ModeRead {
		return 0, core.NewError(core.ErrorCodeInvalidArgument, "", "файл открыт на запись")
	}
	if left := h.samples - h.pos; int64(len(dst)) > left {
		dst = dst[:left]
	}
	if len(dst) == 0 {
		return 0, io.EOF
	}
	n, err := readPCM(h.r, dst)
	h.pos += int64(n)
	return n, err
}

func (h *wavHandle) Write(src []int16) (int, error) {
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

func (h *wavHandle) Seek(samples int64, whence int) (int64, error) {
	if h.mode != ModeRead {
		return h.pos / int64(h.channels), core.NewError(core.ErrorCodeInvalidArgument, "", "seek доступен только при чтении")
	}
	target, err := seekTarget(h.pos, h.samples, samples*int64(h.channels), whence)
	if err != nil {
		return 0, err
	}
	if _, err := h.f.Seek(h.dataOff+target*2, io.SeekStart); err != nil {
		return 0, ioError(h.path, "ошибка позиционирования", err)
	}
	h.r.Reset(h.f)
	h.pos = target
	return target / int64(h.channels), nil
}

// Close для записи дописывает теги и исправляет размеры в заголовке
func (h *wavHandle) Close() error {
	if h.mode != ModeWrite {
		if err := h.f.Close(); err != nil {
			return ioError(h.path, "ошибка закрытия файла", err)
		}
		return nil
	}

	err := h.finish()
	if cerr := h.f.Close(); err == nil && cerr != nil {
		err = ioError(h.path, "ошибка закрытия файла", cerr)
	}
	return err
}

func (h *wavHandle) finish() error {
	dataBytes := uint32(h.samples * 2)
	info := h.infoChunk()
	if _, err := h.w.Write(info); err != nil {
		return ioError(h.path, "ошибка записи тегов", err)
	}
	if err := h.w.Flush(); err != nil {
		return ioError(h.path, "ошибка записи файла", err)
	}

	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], 36+dataBytes+uint32(len(info)))
	if _, err := h.f.WriteAt(size[:], 4); err != nil {
		return ioError(h.path, "ошибка записи заголовка", err)
	}
	binary.LittleEndian.PutUint32(size[:], dataBytes)
	if _, err := h.f.WriteAt(size[:], wavDataSizeOff); err != nil {
		return ioError(h.path, "ошибка записи заголовка", err)
	}
	return nil
}

func (h *wavHandle) SampleRate() int { return h.rate }
func (h *wavHandle) Channels() int   { return h.channels }
func (h *wavHandle) Samples() int64  { return h.samples / int64(h.channels) }
func (h *wavHandle) Path() string    { return h.path }
