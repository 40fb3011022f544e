package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/Corphon/CharaCardTranslator/internal/models"
	"github.com/mattn/go-isatty"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// progressView 把进度事件呈现给用户
type progressView interface {
	handle(event models.ProgressEvent)
	// finish 在终止事件之后调用，等待渲染结束
	finish()
}

func isInteractive(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// newProgressView 终端上使用进度条，否则逐行输出
func newProgressView(title string) progressView {
	if isInteractive(os.Stderr) {
		return newBarView(title, os.Stderr)
	}
	return &lineView{out: os.Stderr}
}

// barView mpb 进度条，日志打印在进度条上方
type barView struct {
	p   *mpb.Progress
	bar *mpb.Bar

	mu    sync.Mutex
	field string
	done  bool
}

func newBarView(title string, out io.Writer) *barView {
	v := &barView{p: mpb.New(mpb.WithWidth(40), mpb.WithOutput(out))}
	v.bar = v.p.AddBar(100,
		mpb.PrependDecorators(
			decor.Name(title, decor.WCSyncSpaceR),
			decor.Any(func(decor.Statistics) string { return v.label() }, decor.WCSyncSpaceR),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WC{W: 5}),
			decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 6}),
		),
	)
	return v
}

func (v *barView) label() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.field == "" {
		return ""
	}
	return models.DisplayName(v.field)
}

func (v *barView) handle(event models.ProgressEvent) {
	switch event.Type {
	case models.EventLog:
		fmt.Fprintln(v.p, event.Message)
	case models.EventProgress, models.EventEstimate:
		if event.CurrentField != "" {
			v.mu.Lock()
			v.field = event.CurrentField
			v.mu.Unlock()
		}
		if pct := int64(event.Percentage); pct > v.bar.Current() && pct < 100 {
			v.bar.SetCurrent(pct)
		}
	case models.EventCompleted:
		v.end(true, "✅ 翻译完成")
	case models.EventCancelled:
		v.end(false, "⚠️ 任务已取消")
	case models.EventError:
		v.end(false, "❌ "+event.Message)
	}
}

func (v *barView) end(success bool, message string) {
	v.mu.Lock()
	if v.done {
		v.mu.Unlock()
		return
	}
	v.done = true
	v.field = ""
	v.mu.Unlock()

	fmt.Fprintln(v.p, message)
	if success {
		v.bar.SetCurrent(100)
	} else {
		v.bar.Abort(false)
	}
}

func (v *barView) finish() {
	// 没有收到终止事件时也要结束进度条，否则 Wait 不会返回
	v.mu.Lock()
	done := v.done
	v.mu.Unlock()
	if !done {
		v.bar.Abort(false)
	}
	v.p.Wait()
}

// lineView 非终端输出
type lineView struct {
	out  io.Writer
	mu   sync.Mutex
	last int
}

func (v *lineView) handle(event models.ProgressEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch event.Type {
	case models.EventLog:
		fmt.Fprintf(v.out, "[%3d%%] %s\n", v.last, event.Message)
	case models.EventProgress:
		if event.Percentage > v.last {
			v.last = event.Percentage
		}
	case models.EventCompleted:
		fmt.Fprintln(v.out, "[100%] 翻译完成")
	case models.EventCancelled:
		fmt.Fprintf(v.out, "[%3d%%] 任务已取消\n", v.last)
	case models.EventError:
		fmt.Fprintf(v.out, "[%3d%%] 错误: %s\n", v.last, event.Message)
	}
}

func (v *lineView) finish() {}
