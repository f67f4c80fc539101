package diag

import (
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

func (l Level) zap() zapcore.Level {
	switch l {
	case Debug:
		return zapcore.DebugLevel
	case Warn:
		return zapcore.WarnLevel
	case Error:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger 为结构化日志器：zap JSON 编码，单行输出到轮转文件（或给定 writer）。
// 事件字段：comp/stage(start|finish|error|warn)/code/dur_ms/count/target/round/kv。
type Logger struct {
	corrID string
	level  Level
	sink   *RotatingFile
	z      *zap.Logger
}

// NewLogger 通过配置的 level 初始化，并将日志写入 dir 下的轮转文件（10MiB）；dir 为空时写 stderr。
func NewLogger(corrID, level, dir string) *Logger {
	lvl := parseLevel(strings.TrimSpace(level))
	if strings.TrimSpace(dir) == "" {
		return newLogger(corrID, lvl, zapcore.Lock(os.Stderr), nil)
	}
	sink := NewRotatingFile(dir, 10*1024*1024)
	return newLogger(corrID, lvl, sink, sink)
}

// NewLoggerTo 将日志写入任意 writer（测试/管道用）。
func NewLoggerTo(corrID, level string, w io.Writer) *Logger {
	return newLogger(corrID, parseLevel(level), zapcore.AddSync(w), nil)
}

// Nop 返回丢弃所有事件的日志器。
func Nop() *Logger {
	return &Logger{level: Error + 1, z: zap.NewNop()}
}

func newLogger(corrID string, lvl Level, ws zapcore.WriteSyncer, sink *RotatingFile) *Logger {
	enc := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     utcTimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		LineEnding:     zapcore.DefaultLineEnding,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), ws, zap.NewAtomicLevelAt(lvl.zap()))
	z := zap.New(core).With(zap.String("corr_id", corrID))
	return &Logger{corrID: corrID, level: lvl, sink: sink, z: z}
}

func utcTimeEncoder(t time.Time, pe zapcore.PrimitiveArrayEncoder) {
	pe.AppendString(t.UTC().Format(time.RFC3339))
}

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// CorrID 返回关联 ID。
func (l *Logger) CorrID() string {
	if l == nil {
		return ""
	}
	return l.corrID
}

// Event 为标准事件结构。
type Event struct {
	Comp   string
	Stage  string // start|finish|error|warn|info
	Code   string
	DurMS  int64
	Count  int64
	Target string // 检查点/结果表/标签
	Round  string // 搜索阶段，例如 init_0、final
	Msg    string
	KV     map[string]string
}

func (l *Logger) log(lv Level, ev Event) {
	if l == nil || l.z == nil || lv < l.level {
		return
	}
	fields := make([]zap.Field, 0, 8)
	fields = append(fields, zap.String("comp", ev.Comp), zap.String("stage", ev.Stage))
	if ev.Code != "" {
		fields = append(fields, zap.String("code", ev.Code))
	}
	if ev.DurMS != 0 {
		fields = append(fields, zap.Int64("dur_ms", ev.DurMS))
	}
	if ev.Count != 0 {
		fields = append(fields, zap.Int64("count", ev.Count))
	}
	if ev.Target != "" {
		fields = append(fields, zap.String("target", ev.Target))
	}
	if ev.Round != "" {
		fields = append(fields, zap.String("round", ev.Round))
	}
	if len(ev.KV) > 0 {
		fields = append(fields, zap.Any("kv", ev.KV))
	}
	switch lv {
	case Debug:
		l.z.Debug(ev.Msg, fields...)
	case Warn:
		l.z.Warn(ev.Msg, fields...)
	case Error:
		l.z.Error(ev.Msg, fields...)
	default:
		l.z.Info(ev.Msg, fields...)
	}
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 target/round 的 start。
func (l *Logger) StartWith(comp, msg, target, round string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Target: target, Round: round, Msg: msg})
	return &Timer{l: l, comp: comp, target: target, round: round, t0: time.Now()}
}

// StartWithKV 记录带 target/round 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, target, round string, kv map[string]string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Target: target, Round: round, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, target: target, round: round, t0: time.Now()}
}

// Info 记录一般信息。
func (l *Logger) Info(comp, msg string, kv map[string]string) {
	l.log(Info, Event{Comp: comp, Stage: "info", Msg: msg, KV: kv})
}

// Warn 记录数值异常等可恢复事件。
func (l *Logger) Warn(comp, code, msg string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "warn", Code: code, Msg: msg, KV: kv})
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg})
}

// ErrorWith 支持 target/round。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, target, round string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, Target: target, Round: round})
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, target, round string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, Target: target, Round: round, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// DebugStart 输出调试级别的“start”类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, target, round string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", Target: target, Round: round, Msg: msg, KV: kv})
}

// Sync 刷新缓冲并关闭文件句柄。
func (l *Logger) Sync() error {
	if l == nil || l.z == nil {
		return nil
	}
	_ = l.z.Sync()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	target string
	round  string
	t0     time.Time
}

// Finish 记录 finish；可选 count。同时上报耗时指标。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	dur := time.Since(t.t0).Milliseconds()
	ObserveDuration(t.comp, "finish", dur)
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: dur, Count: count, Target: t.target, Round: t.round, Msg: msg})
}
