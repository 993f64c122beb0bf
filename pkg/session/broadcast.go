package session

import (
	"context"
	"log/slog"
	"strings"

	"github.com/arzzra/switch_core/pkg/core"
)

// BroadcastFlag определяет, на каких плечах исполняется приложение
type BroadcastFlag uint32

const (
	// BroadcastEchoALeg исполнить на самой сессии
	BroadcastEchoALeg BroadcastFlag = 1 << iota
	// BroadcastEchoBLeg исполнить на соединенной сессии
	BroadcastEchoBLeg
	// BroadcastHoldBLeg поставить соединенную сессию на удержание на время исполнения
	BroadcastHoldBLeg
	// BroadcastExecInline исполнить в текущей горутине
	BroadcastExecInline
	// BroadcastRebridge восстановить соединение после исполнения
	BroadcastRebridge
)

// Has проверяет флаг
func (f BroadcastFlag) Has(flag BroadcastFlag) bool {
	return f&flag == flag
}

// ParseBroadcastLegs разбирает направление "aleg", "bleg", "both"
func ParseBroadcastLegs(s string) BroadcastFlag {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bleg":
		return BroadcastEchoBLeg
	case "both":
		return BroadcastEchoALeg | BroadcastEchoBLeg
	default:
		return BroadcastEchoALeg
	}
}

// ParseBroadcastPath разбирает путь: "app::arg" исполняет приложение,
// иначе путь воспроизводится приложением playback
func ParseBroadcastPath(path string) (app, arg string) {
	if i := strings.Index(path, "::"); i > 0 {
		return path[:i], path[i+2:]
	}
	return "playback", path
}

// Broadcast исполняет приложение на плечах, выбранных флагами.
// Без флагов плеча приложение исполняется на самой сессии.
func (s *Session) Broadcast(ctx context.Context, path string, flags BroadcastFlag) error {
	if path == "" {
		return core.NewError(core.ErrorCodeInvalidArgument, s.id, "пустой путь broadcast")
	}
	if !s.Ready() {
		return core.NewError(core.ErrorCodeNotReady, s.id, "сессия завершена")
	}
	if !flags.Has(BroadcastEchoALeg) && !flags.Has(BroadcastEchoBLeg) {
		flags |= BroadcastEchoALeg
	}

	app, arg := ParseBroadcastPath(path)
	peer := s.Peer()

	if flags.Has(BroadcastHoldBLeg) && peer != nil {
		peer.Hold(true)
		defer peer.Hold(false)
	}

	s.logger.Debug("broadcast",
		slog.String("app", app),
		slog.String("arg", arg),
		slog.Int("flags", int(flags)))

	if flags.Has(BroadcastEchoALeg) {
		if err := s.Execute(ctx, app, arg); err != nil {
			return err
		}
	}
	if flags.Has(BroadcastEchoBLeg) {
		if peer == nil {
			if !flags.Has(BroadcastEchoALeg) {
				return core.NewError(core.ErrorCodeNotFound, s.id, "нет соединенной сессии")
			}
			return nil
		}
		if err := peer.Execute(ctx, app, arg); err != nil {
			return err
		}
	}
	return nil
}
