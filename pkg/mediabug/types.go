// Package mediabug реализует цепочку media bug'ов сессии: перехватчиков,
// которые наблюдают или заменяют аудио кадры в пути чтения и записи.
//
// # Жизненный цикл
//
// Каждый bug проходит состояния attached → active → closing → freed.
// Callback OnInit вызывается синхронно внутри Attach; OnClose вызывается ровно
// один раз при любом способе удаления: явный Detach, возврат false из
// обработчика кадра, истечение срока жизни или закрытие всей цепочки.
//
// # Порядок доставки
//
// Для каждого кадра bug'и вызываются в порядке подключения. Кадр, измененный
// в OnReadReplace одного bug'а, видят все следующие за ним.
//
//	chain := mediabug.NewChain(session, metrics)
//	bug, err := chain.Attach("recorder", path, behavior, time.Time{},
//	    mediabug.FlagReadStream|mediabug.FlagWriteStream)
//	...
//	out := chain.ProcessRead(in)
//	...
//	_ = chain.Detach(bug)
package mediabug

// Flag набор точек перехвата, в которых участвует bug
type Flag uint32

const (
	// FlagReadStream копия каждого прочитанного кадра в потоковый буфер bug'а
	FlagReadStream Flag = 1 << iota
	// FlagWriteStream копия каждого записанного кадра в потоковый буфер bug'а
	FlagWriteStream
	// FlagReadReplace изменяемый прочитанный кадр
	FlagReadReplace
	// FlagWriteReplace изменяемый записываемый кадр
	FlagWriteReplace
	// FlagReadPing уведомление о каждом прочитанном кадре без данных
	FlagReadPing
	// FlagThreadLock удаление из чужой горутины откладывается до следующей доставки кадра
	FlagThreadLock
	// FlagNoPause доставка кадров продолжается, когда сессия на удержании
	FlagNoPause
	// FlagStereo ReadStream возвращает стерео (чтение слева, запись справа) вместо смеси
	FlagStereo
)

// Has проверяет наличие всех указанных флагов
func (f Flag) Has(flag Flag) bool {
	return f&flag == flag
}

// EventType тип события, доставляемого bug'у
type EventType int

const (
	EventInit EventType = iota
	EventClose
	EventRead
	EventWrite
	EventReadReplace
	EventWriteReplace
	EventReadPing
)

func (e EventType) String() string {
	switch e {
	case EventInit:
		return "init"
	case EventClose:
		return "close"
	case EventRead:
		return "read"
	case EventWrite:
		return "write"
	case EventReadReplace:
		return "read_replace"
	case EventWriteReplace:
		return "write_replace"
	case EventReadPing:
		return "read_ping"
	default:
		return "unknown"
	}
}

// Owner сессия, к которой подключена цепочка
type Owner interface {
	ID() string
}

// Behavior политика, подключаемая к цепочке. Возврат false из любого
// обработчика кадра является сигналом удаления bug'а.
// Обработчики выполняются в медиа горутине сессии и не должны блокироваться.
type Behavior interface {
	OnInit(b *Bug) bool
	OnClose(b *Bug)
	OnRead(b *Bug) bool
	OnWrite(b *Bug) bool
	OnReadReplace(b *Bug) bool
	OnWriteReplace(b *Bug) bool
	OnReadPing(b *Bug) bool
}

// BaseBehavior реализация по умолчанию: все обработчики продолжают работу.
// Встраивается в конкретные политики, которым нужна часть событий.
type BaseBehavior struct{}

func (BaseBehavior) OnInit(*Bug) bool         { return true }
func (BaseBehavior) OnClose(*Bug)             {}
func (BaseBehavior) OnRead(*Bug) bool         { return true }
func (BaseBehavior) OnWrite(*Bug) bool        { return true }
func (BaseBehavior) OnReadReplace(*Bug) bool  { return true }
func (BaseBehavior) OnWriteReplace(*Bug) bool { return true }
func (BaseBehavior) OnReadPing(*Bug) bool     { return true }

// Funcs адаптер Behavior на функциях; незаданные обработчики продолжают работу
type Funcs struct {
	Init         func(b *Bug) bool
	Close        func(b *Bug)
	Read         func(b *Bug) bool
	Write        func(b *Bug) bool
	ReadReplace  func(b *Bug) bool
	WriteReplace func(b *Bug) bool
	ReadPing     func(b *Bug) bool
}

var _ Behavior = Funcs{}

func (f Funcs) OnInit(b *Bug) bool         { return call(f.Init, b) }
func (f Funcs) OnRead(b *Bug) bool         { return call(f.Read, b) }
func (f Funcs) OnWrite(b *Bug) bool        { return call(f.Write, b) }
func (f Funcs) OnReadReplace(b *Bug) bool  { return call(f.ReadReplace, b) }
func (f Funcs) OnWriteReplace(b *Bug) bool { return call(f.WriteReplace, b) }
func (f Funcs) OnReadPing(b *Bug) bool     { return call(f.ReadPing, b) }

func (f Funcs) OnClose(b *Bug) {
	if f.Close != nil {
		f.Close(b)
	}
}

func call(fn func(*Bug) bool, b *Bug) bool {
	if fn == nil {
		return true
	}
	return fn(b)
}
