// Package fileio предоставляет аудио файлы для записи и воспроизведения:
// типизированный handle с частотой дискретизации, числом каналов и
// строковыми тегами. Формат выбирается по расширению файла.
package fileio

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/arzzra/switch_core/pkg/core"
)

// Mode режим открытия файла
type Mode int

const (
	// ModeRead чтение существующего файла
	ModeRead Mode = iota
	// ModeWrite создание нового файла
	ModeWrite
)

// Tag строковое поле метаданных файла
type Tag string

const (
	TagTitle     Tag = "title"
	TagArtist    Tag = "artist"
	TagComment   Tag = "comment"
	TagDate      Tag = "date"
	TagCopyright Tag = "copyright"
	TagSoftware  Tag = "software"
)

// Tags все поддерживаемые теги в порядке записи
var Tags = []Tag{TagTitle, TagArtist, TagComment, TagDate, TagCopyright, TagSoftware}

// Handle открытый аудио файл линейного 16-битного PCM
type Handle interface {
	// Read читает до len(dst) отсчетов, в конце файла возвращает io.EOF
	Read(dst []int16) (int, error)
	// Write дописывает отсчеты
	Write(src []int16) (int, error)
	// Seek перемещает позицию в отсчетах на канал, whence как в io.Seeker
	Seek(samples int64, whence int) (int64, error)
	Close() error

	SampleRate() int
	Channels() int
	// Samples число отсчетов на канал в файле
	Samples() int64
	Path() string

	SetTag(t Tag, value string)
	Tag(t Tag) string
}

// Format открывает файлы одного контейнера
type Format interface {
	Open(path string, mode Mode, rate, channels int) (Handle, error)
}

// FormatFunc адаптер Format на функции
type FormatFunc func(path string, mode Mode, rate, channels int) (Handle, error)

func (f FormatFunc) Open(path string, mode Mode, rate, channels int) (Handle, error) {
	return f(path, mode, rate, channels)
}

var (
	formatsMu sync.RWMutex
	formats   = map[string]Format{
		"wav": FormatFunc(openWAV),
		"raw": FormatFunc(openRaw(0)),
		"r8":  FormatFunc(openRaw(8000)),
		"r16": FormatFunc(openRaw(16000)),
	}
)

// Register регистрирует формат для расширения без точки
func Register(ext string, f Format) {
	formatsMu.Lock()
	defer formatsMu.Unlock()
	formats[strings.ToLower(ext)] = f
}

// Supported сообщает, что для расширения файла есть формат
func Supported(path string) bool {
	_, ok := lookup(path)
	return ok
}

func lookup(path string) (Format, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	f, ok := formats[ext]
	return f, ok
}

// Open открывает файл в формате, определенном по расширению.
// Для чтения rate и channels берутся из файла, если контейнер их хранит.
func Open(path string, mode Mode, rate, channels int) (Handle, error) {
	if path == "" {
		return nil, core.Errorf(core.ErrorCodeInvalidArgument, "пустой путь файла")
	}
	f, ok := lookup(path)
	if !ok {
		return nil, core.Errorf(core.ErrorCodeInvalidArgument, "неподдерживаемый формат файла: %s", path)
	}
	if rate <= 0 {
		rate = 8000
	}
	if channels <= 0 {
		channels = 1
	}
	return f.Open(path, mode, rate, channels)
}

// tagSet хранилище тегов handle
type tagSet struct {
	mu   sync.Mutex
	tags map[Tag]string
}

func (s *tagSet) SetTag(t Tag, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tags == nil {
		s.tags = make(map[Tag]string)
	}
	if value == "" {
		delete(s.tags, t)
		return
	}
	s.tags[t] = value
}

func (s *tagSet) Tag(t Tag) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tags[t]
}

func ioError(path, msg string, err error) error {
	return core.WrapError(core.ErrorCodeIOFailure, "", msg, err).WithContext("path", path)
}
