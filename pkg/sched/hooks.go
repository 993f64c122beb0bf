package sched

import (
	"context"
	"log/slog"
	"time"

	"github.com/arzzra/switch_core/pkg/core"
	"github.com/arzzra/switch_core/pkg/session"
)

// Команды отложенных операций
const (
	CmdHangup uint32 = iota + 1
	CmdTransfer
	CmdBroadcast
)

// VarSignalBond переменная с идентификатором связанной сессии
const VarSignalBond = "signal_bond"

// hangupArg аргументы отложенного hangup
type hangupArg struct {
	id    string
	cause string
	bleg  bool
}

func (a *hangupArg) Release() { *a = hangupArg{} }

type transferArg struct {
	id        string
	extension string
	dialplan  string
	context   string
}

func (a *transferArg) Release() { *a = transferArg{} }

type broadcastArg struct {
	id    string
	path  string
	flags session.BroadcastFlag
}

func (a *broadcastArg) Release() { *a = broadcastArg{} }

// locate находит сессию задачи. Исчезнувшая сессия не является ошибкой.
func locate(reg *session.Registry, id, desc string) (*session.Session, bool) {
	s, err := reg.Locate(id)
	if err != nil {
		slog.Default().Debug("scheduled session gone",
			slog.String("component", "scheduler"),
			slog.String("task", desc),
			slog.String("session_id", id))
		return nil, false
	}
	return s, true
}

// ScheduleHangup планирует завершение сессии. С bleg завершается сессия,
// связанная через signal_bond, а при ее отсутствии соединенная.
func ScheduleHangup(sc *Scheduler, reg *session.Registry, runAt time.Time, id, cause string, bleg bool) (uint64, error) {
	if id == "" {
		return 0, core.Errorf(core.ErrorCodeInvalidArgument, "не задана сессия")
	}
	if cause == "" {
		cause = session.CauseAllottedTimeout
	}
	arg := &hangupArg{id: id, cause: cause, bleg: bleg}
	fn := func(_ context.Context, t *Task) {
		a := t.Arg.(*hangupArg)
		s, ok := locate(reg, a.id, t.Desc)
		if !ok {
			return
		}
		defer s.RWUnlock()

		if !a.bleg {
			s.Hangup(a.cause)
			return
		}
		if bond := s.Channel().GetVariable(VarSignalBond); bond != "" {
			if other, ok := locate(reg, bond, t.Desc); ok {
				other.Hangup(a.cause)
				other.RWUnlock()
				return
			}
		}
		if peer := s.Peer(); peer != nil {
			peer.Hangup(a.cause)
		}
	}
	return sc.AddTask(runAt, fn, "sched_hangup", id, CmdHangup, arg, FlagFreeArg), nil
}

// ScheduleTransfer планирует перевод сессии
func ScheduleTransfer(sc *Scheduler, reg *session.Registry, runAt time.Time, id, extension, dialplan, dpContext string) (uint64, error) {
	if id == "" || extension == "" {
		return 0, core.Errorf(core.ErrorCodeInvalidArgument, "не заданы сессия или номер перевода")
	}
	arg := &transferArg{id: id, extension: extension, dialplan: dialplan, context: dpContext}
	fn := func(_ context.Context, t *Task) {
		a := t.Arg.(*transferArg)
		s, ok := locate(reg, a.id, t.Desc)
		if !ok {
			return
		}
		defer s.RWUnlock()
		if err := s.Transfer(a.extension, a.dialplan, a.context); err != nil {
			s.Logger().Warn("scheduled transfer failed",
				slog.String("extension", a.extension),
				slog.String("error", err.Error()))
		}
	}
	return sc.AddTask(runAt, fn, "sched_transfer", id, CmdTransfer, arg, FlagFreeArg), nil
}

// ScheduleBroadcast планирует broadcast на сессии
func ScheduleBroadcast(sc *Scheduler, reg *session.Registry, runAt time.Time, id, path string, flags session.BroadcastFlag) (uint64, error) {
	if id == "" || path == "" {
		return 0, core.Errorf(core.ErrorCodeInvalidArgument, "не заданы сессия или путь")
	}
	arg := &broadcastArg{id: id, path: path, flags: flags}
	fn := func(ctx context.Context, t *Task) {
		a := t.Arg.(*broadcastArg)
		s, ok := locate(reg, a.id, t.Desc)
		if !ok {
			return
		}
		defer s.RWUnlock()
		if err := s.Broadcast(ctx, a.path, a.flags); err != nil {
			s.Logger().Warn("scheduled broadcast failed",
				slog.String("path", a.path),
				slog.String("error", err.Error()))
		}
	}
	return sc.AddTask(runAt, fn, "sched_broadcast", id, CmdBroadcast, arg, FlagFreeArg), nil
}
