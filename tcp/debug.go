package tcp

import (
	"log/slog"

	"github.com/sappChak/mini-rfc793/internal"
)

type logger struct {
	log *slog.Logger
}

func (l *logger) logenabled(lvl slog.Level) bool {
	return internal.LogEnabled(l.log, lvl)
}

func (l *logger) logattrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, lvl, msg, attrs...)
}

func (l *logger) debug(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelDebug, msg, attrs...)
}

func (l *logger) info(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelInfo, msg, attrs...)
}

func (l *logger) warn(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelWarn, msg, attrs...)
}

func (l *logger) trace(msg string, attrs ...slog.Attr) {
	l.logattrs(internal.LevelTrace, msg, attrs...)
}

func (l *logger) logerr(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelError, msg, attrs...)
}

func (t *TCB) traceSnd(msg string) {
	t.trace(msg,
		slog.String("state", t.state.String()),
		slog.Uint64("snd.nxt", uint64(t.snd.NXT)),
		slog.Uint64("snd.una", uint64(t.snd.UNA)),
		slog.Uint64("snd.wnd", uint64(t.snd.WND)),
	)
}

func (t *TCB) traceRcv(msg string) {
	t.trace(msg,
		slog.String("state", t.state.String()),
		slog.Uint64("rcv.nxt", uint64(t.rcv.NXT)),
		slog.Uint64("rcv.wnd", uint64(t.rcv.WND)),
	)
}

func (t *TCB) traceSeg(msg string, seg Segment) {
	if t.logenabled(internal.LevelTrace) {
		t.trace(msg,
			slog.Uint64("seg.seq", uint64(seg.SEQ)),
			slog.Uint64("seg.ack", uint64(seg.ACK)),
			slog.Uint64("seg.wnd", uint64(seg.WND)),
			slog.String("seg.flags", seg.Flags.String()),
			slog.Uint64("seg.data", uint64(seg.DATALEN)),
		)
	}
}

func errstr(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
