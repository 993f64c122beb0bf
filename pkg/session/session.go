// Package session реализует сессию вызова, через которую ядро получает и
// отдает аудио кадры: канал с переменными, флагами и приватными расширениями,
// цепочку media bug'ов, очереди DTMF и событий, а также реестр сессий
// с поиском по идентификатору под счетчиком ссылок.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/switch_core/pkg/core"
	"github.com/arzzra/switch_core/pkg/dtmf"
	"github.com/arzzra/switch_core/pkg/event"
	"github.com/arzzra/switch_core/pkg/frame"
	"github.com/arzzra/switch_core/pkg/mediabug"
	"github.com/google/uuid"
	"github.com/pion/rtp"
)

const (
	// DefaultEventQueueSize длина очереди событий сессии
	DefaultEventQueueSize = 64
	// DefaultDTMFQueueSize длина очереди DTMF сессии
	DefaultDTMFQueueSize = 128
	// DefaultDTMFPayloadType payload type telephone-event
	DefaultDTMFPayloadType = 101
)

// Hangup причины
const (
	CauseNormalClearing  = "NORMAL_CLEARING"
	CauseAllottedTimeout = "ALLOTTED_TIMEOUT"
	CauseManagerRequest  = "MANAGER_REQUEST"
	CauseSystemShutdown  = "SYSTEM_SHUTDOWN"
)

// Endpoint медиа граница сессии: кодек и транспорт за ней вне ядра
type Endpoint interface {
	ReadFrame(ctx context.Context) (*frame.Frame, error)
	WriteFrame(ctx context.Context, f *frame.Frame) error
}

// VideoEndpoint необязательная видео граница
type VideoEndpoint interface {
	ReadVideoFrame(ctx context.Context) ([]byte, error)
	WriteVideoFrame(ctx context.Context, data []byte) error
}

// RTPWriter необязательная возможность отправить RTP пакет напрямую
type RTPWriter interface {
	WriteRTP(pkt *rtp.Packet) error
}

// Executor исполнитель приложений диалплана
type Executor interface {
	Execute(ctx context.Context, s *Session, app, arg string) error
}

// APIExecutor исполнитель API команд
type APIExecutor interface {
	ExecuteAPI(ctx context.Context, cmd, arg string) (string, error)
}

// Dialplan перевод вызова на новый адрес
type Dialplan interface {
	Transfer(s *Session, extension, dialplan, dpContext string) error
}

// Config параметры новой сессии
type Config struct {
	ID       string // Пустой ID генерируется
	Name     string // Имя канала
	Endpoint Endpoint
	Runtime  *core.RuntimeContext
	Bus      event.Bus
	Executor Executor
	API      APIExecutor
	Dialplan Dialplan

	EventQueueSize  int
	DTMFQueueSize   int
	DTMFPayloadType uint8
}

// Session сессия вызова
type Session struct {
	id      string
	channel *Channel
	chain   *mediabug.Chain

	endpoint Endpoint
	rt       *core.RuntimeContext
	bus      event.Bus
	executor Executor
	api      APIExecutor
	dialplan Dialplan
	registry *Registry

	events chan *event.Event

	dtmfMu    sync.Mutex
	dtmfQueue []dtmf.Event
	dtmfLimit int
	hooksMu   sync.RWMutex
	recvHooks []namedHook
	sendHooks []namedHook
	encoder   *dtmf.Encoder
	decoder   *dtmf.Decoder
	rtpTS     atomic.Uint32

	peerMu sync.RWMutex
	peer   *Session

	refs        atomic.Int32
	hangupOnce  sync.Once
	hangupCause atomic.Value
	ctx         context.Context
	cancel      context.CancelFunc

	createdAt time.Time
	logger    *slog.Logger
}

// New создает сессию и учитывает ее в RuntimeContext.
// Возвращает ResourceExhausted при превышении лимита сессий.
func New(cfg Config) (*Session, error) {
	if cfg.Endpoint == nil {
		return nil, core.NewError(core.ErrorCodeInvalidArgument, cfg.ID, "не задан медиа endpoint")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Name == "" {
		cfg.Name = "channel/" + cfg.ID
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = DefaultEventQueueSize
	}
	if cfg.DTMFQueueSize <= 0 {
		cfg.DTMFQueueSize = DefaultDTMFQueueSize
	}
	if cfg.DTMFPayloadType == 0 {
		cfg.DTMFPayloadType = DefaultDTMFPayloadType
	}

	if cfg.Runtime != nil {
		if err := cfg.Runtime.SessionStarted(); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        cfg.ID,
		channel:   newChannel(cfg.Name),
		endpoint:  cfg.Endpoint,
		rt:        cfg.Runtime,
		bus:       cfg.Bus,
		executor:  cfg.Executor,
		api:       cfg.API,
		dialplan:  cfg.Dialplan,
		events:    make(chan *event.Event, cfg.EventQueueSize),
		dtmfLimit: cfg.DTMFQueueSize,
		encoder:   dtmf.NewEncoder(cfg.DTMFPayloadType, uuid.New().ID()),
		decoder:   dtmf.NewDecoder(cfg.DTMFPayloadType),
		ctx:       ctx,
		cancel:    cancel,
		createdAt: time.Now(),
		logger: slog.Default().With(
			slog.String("component", "session"),
			slog.String("session_id", cfg.ID),
		),
	}

	var metrics *core.Metrics
	if s.rt != nil {
		metrics = s.rt.Metrics()
	}
	s.chain = mediabug.NewChain(s, metrics)

	if s.rt != nil {
		s.rt.NotifyCreate(s.id)
	}
	s.logger.Debug("session created", slog.String("channel", cfg.Name))
	return s, nil
}

// ID возвращает идентификатор сессии
func (s *Session) ID() string { return s.id }

// Channel возвращает канал сессии
func (s *Session) Channel() *Channel { return s.channel }

// Chain возвращает цепочку media bug'ов
func (s *Session) Chain() *mediabug.Chain { return s.chain }

// Runtime возвращает глобальный контекст, может быть nil
func (s *Session) Runtime() *core.RuntimeContext { return s.rt }

// Bus возвращает глобальную шину событий, может быть nil
func (s *Session) Bus() event.Bus { return s.bus }

// Context отменяется при завершении сессии
func (s *Session) Context() context.Context { return s.ctx }

// Done закрывается при завершении сессии
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Logger возвращает логгер сессии
func (s *Session) Logger() *slog.Logger { return s.logger }

// CreatedAt возвращает время создания
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// ReadLock берет ссылку на сессию. Возвращает NotReady для завершенной сессии.
func (s *Session) ReadLock() error {
	if s.channel.TestFlag(FlagHangup) {
		return core.NewError(core.ErrorCodeNotReady, s.id, "сессия завершена")
	}
	s.refs.Add(1)
	return nil
}

// RWUnlock отпускает ссылку, взятую ReadLock
func (s *Session) RWUnlock() {
	if s.refs.Add(-1) < 0 {
		s.refs.Store(0)
	}
}

// Refs возвращает число взятых ссылок
func (s *Session) Refs() int {
	return int(s.refs.Load())
}

// SetMediaUp отмечает, что медиа путь установлен
func (s *Session) SetMediaUp() {
	s.channel.SetFlag(FlagMediaUp)
}

// MediaReady сообщает, что медиа путь установлен и сессия не завершена
func (s *Session) MediaReady() bool {
	return s.channel.TestFlag(FlagMediaUp) && !s.channel.TestFlag(FlagHangup)
}

// Ready сообщает, что сессия не завершена
func (s *Session) Ready() bool {
	return !s.channel.TestFlag(FlagHangup)
}

// ReadFrame читает кадр с медиа границы и прогоняет его через цепочку bug'ов
func (s *Session) ReadFrame(ctx context.Context) (*frame.Frame, error) {
	if !s.Ready() {
		return nil, core.NewError(core.ErrorCodeNotReady, s.id, "сессия завершена")
	}
	f, err := s.endpoint.ReadFrame(ctx)
	if err != nil {
		return nil, core.WrapError(core.ErrorCodeIOFailure, s.id, "ошибка чтения кадра", err)
	}
	if f == nil {
		s.chain.Ping()
		return nil, nil
	}
	return s.chain.ProcessRead(f), nil
}

// WriteFrame прогоняет кадр через цепочку bug'ов и пишет его на медиа границу
func (s *Session) WriteFrame(ctx context.Context, f *frame.Frame) error {
	if !s.Ready() {
		return core.NewError(core.ErrorCodeNotReady, s.id, "сессия завершена")
	}
	if f == nil {
		return core.NewError(core.ErrorCodeInvalidArgument, s.id, "пустой кадр")
	}
	f = s.chain.ProcessWrite(f)
	if err := s.endpoint.WriteFrame(ctx, f); err != nil {
		return core.WrapError(core.ErrorCodeIOFailure, s.id, "ошибка записи кадра", err)
	}
	return nil
}

// ReadVideoFrame читает видео кадр, если граница поддерживает видео
func (s *Session) ReadVideoFrame(ctx context.Context) ([]byte, error) {
	v, ok := s.endpoint.(VideoEndpoint)
	if !ok {
		return nil, core.NewError(core.ErrorCodeNotReady, s.id, "видео не поддерживается")
	}
	return v.ReadVideoFrame(ctx)
}

// WriteVideoFrame пишет видео кадр, если граница поддерживает видео
func (s *Session) WriteVideoFrame(ctx context.Context, data []byte) error {
	v, ok := s.endpoint.(VideoEndpoint)
	if !ok {
		return core.NewError(core.ErrorCodeNotReady, s.id, "видео не поддерживается")
	}
	return v.WriteVideoFrame(ctx, data)
}

// Hold переводит сессию на удержание: bug'и без FlagNoPause не получают кадры
func (s *Session) Hold(on bool) {
	if on {
		s.channel.SetFlag(FlagHold)
	} else {
		s.channel.ClearFlag(FlagHold)
	}
	s.chain.SetPaused(on)
}

// QueueEvent ставит событие в очередь сессии без блокировки
func (s *Session) QueueEvent(ev *event.Event) error {
	if ev == nil {
		return core.NewError(core.ErrorCodeInvalidArgument, s.id, "пустое событие")
	}
	if !s.Ready() {
		return core.NewError(core.ErrorCodeNotReady, s.id, "сессия завершена")
	}
	select {
	case s.events <- ev:
		return nil
	default:
		return core.NewError(core.ErrorCodeResourceExhausted, s.id, "очередь событий сессии заполнена")
	}
}

// DequeueEvent извлекает событие из очереди сессии
func (s *Session) DequeueEvent() (*event.Event, bool) {
	select {
	case ev := <-s.events:
		return ev, true
	default:
		return nil, false
	}
}

// Events возвращает канал очереди событий сессии
func (s *Session) Events() <-chan *event.Event {
	return s.events
}

// NewEvent создает событие с заголовками канала
func (s *Session) NewEvent(t event.Type) *event.Event {
	return event.New(t).
		AddHeader("Unique-ID", s.id).
		AddHeader("Channel-Name", s.channel.Name())
}

// FireEvent отправляет событие в глобальную шину
func (s *Session) FireEvent(ev *event.Event) error {
	if s.bus == nil {
		return core.NewError(core.ErrorCodeNotFound, s.id, "нет шины событий")
	}
	if err := s.bus.Fire(ev); err != nil {
		s.logger.Warn("failed to fire event",
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// DeliverEvent ставит событие в очередь сессии с резервной глобальной доставкой
func (s *Session) DeliverEvent(ev *event.Event) error {
	return event.Deliver(s.bus, s, ev)
}

// Execute исполняет приложение на сессии
func (s *Session) Execute(ctx context.Context, app, arg string) error {
	if s.executor == nil {
		return core.NewError(core.ErrorCodeNotFound, s.id, "исполнитель приложений не задан")
	}
	if err := s.executor.Execute(ctx, s, app, arg); err != nil {
		return core.WrapError(core.ErrorCodeGeneric, s.id, "ошибка исполнения приложения", err).
			WithContext("app", app)
	}
	return nil
}

// ExecuteAPI исполняет API команду
func (s *Session) ExecuteAPI(ctx context.Context, cmd, arg string) (string, error) {
	if s.api == nil {
		return "", core.NewError(core.ErrorCodeNotFound, s.id, "исполнитель API не задан")
	}
	out, err := s.api.ExecuteAPI(ctx, cmd, arg)
	if err != nil {
		return "", core.WrapError(core.ErrorCodeGeneric, s.id, "ошибка исполнения API", err).
			WithContext("cmd", cmd)
	}
	return out, nil
}

// SplitApp разделяет строку "app::arg" или "app arg"
func SplitApp(s string) (app, arg string) {
	s = strings.TrimSpace(s)
	for _, sep := range []string{"::", " "} {
		if i := strings.Index(s, sep); i > 0 {
			return s[:i], strings.TrimSpace(s[i+len(sep):])
		}
	}
	return s, ""
}

// Peer возвращает соединенную сессию
func (s *Session) Peer() *Session {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	return s.peer
}

// Bridge соединяет две сессии и сообщает о соединении
func Bridge(a, b *Session) {
	a.peerMu.Lock()
	a.peer = b
	a.peerMu.Unlock()
	b.peerMu.Lock()
	b.peer = a
	b.peerMu.Unlock()

	a.channel.SetVariable("signal_bond", b.id)
	b.channel.SetVariable("signal_bond", a.id)
	a.NotifyBridge(b, true)
	b.NotifyBridge(a, true)
}

// Unbridge разъединяет сессию с ее парой
func Unbridge(a *Session) {
	a.peerMu.Lock()
	b := a.peer
	a.peer = nil
	a.peerMu.Unlock()
	if b == nil {
		return
	}
	b.peerMu.Lock()
	if b.peer == a {
		b.peer = nil
	}
	b.peerMu.Unlock()

	a.NotifyBridge(b, false)
	b.NotifyBridge(a, false)
}

// NotifyBridge сообщает о входе в соединение или выходе из него.
// Используется и для виртуального соединения (прослушивание).
func (s *Session) NotifyBridge(peer *Session, entering bool) {
	t := event.TypeChannelUnbridge
	if entering {
		s.channel.SetFlag(FlagBridged)
		t = event.TypeChannelBridge
	} else {
		s.channel.ClearFlag(FlagBridged)
	}

	peerID := ""
	if peer != nil {
		peerID = peer.id
	}
	ev := s.NewEvent(t).
		AddHeader("Bridge-A-Unique-ID", s.id).
		AddHeader("Bridge-B-Unique-ID", peerID)
	if s.bus != nil {
		_ = s.FireEvent(ev)
	}
}

// Transfer переводит вызов через диалплан
func (s *Session) Transfer(extension, dialplan, dpContext string) error {
	if s.dialplan == nil {
		return core.NewError(core.ErrorCodeNotFound, s.id, "диалплан не задан")
	}
	if err := s.dialplan.Transfer(s, extension, dialplan, dpContext); err != nil {
		return core.WrapError(core.ErrorCodeGeneric, s.id, "ошибка перевода", err).
			WithContext("extension", extension)
	}
	s.channel.SetVariable("transfer_destination", extension)
	if s.bus != nil {
		_ = s.FireEvent(s.NewEvent(event.TypeChannelTransfer).
			AddHeader("Transfer-Extension", extension).
			AddHeader("Transfer-Dialplan", dialplan).
			AddHeader("Transfer-Context", dpContext))
	}
	return nil
}

// Hangup завершает сессию. Повторные вызовы игнорируются.
// Все bug'и получают CLOSE, сессия удаляется из реестра.
func (s *Session) Hangup(cause string) {
	if cause == "" {
		cause = CauseNormalClearing
	}
	s.hangupOnce.Do(func() {
		s.hangupCause.Store(cause)
		s.chain.CloseAll()
		s.channel.SetFlag(FlagHangup)
		s.cancel()

		if s.Peer() != nil {
			Unbridge(s)
		}
		if s.registry != nil {
			s.registry.Remove(s.id)
		}
		if s.rt != nil {
			s.rt.NotifyHangup(s.id, cause)
			s.rt.SessionEnded()
		}
		if s.bus != nil {
			_ = s.FireEvent(s.NewEvent(event.TypeChannelHangup).AddHeader("Hangup-Cause", cause))
		}
		s.logger.Debug("session hangup", slog.String("cause", cause))
	})
}

// HangupCause возвращает причину завершения
func (s *Session) HangupCause() string {
	v, _ := s.hangupCause.Load().(string)
	return v
}
