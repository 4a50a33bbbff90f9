package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Confirmer 交互式确认，带超时默认值
// 输入只由一个后台 goroutine 读取，超时后未消费的行留给下一次提问
type Confirmer struct {
	in        io.Reader
	out       io.Writer
	timeout   time.Duration
	assumeYes bool

	once  sync.Once
	lines chan string
}

// NewConfirmer 创建确认器；assumeYes 为 true 时所有提问直接使用默认值
func NewConfirmer(in io.Reader, out io.Writer, timeout time.Duration, assumeYes bool) *Confirmer {
	return &Confirmer{
		in:        in,
		out:       out,
		timeout:   timeout,
		assumeYes: assumeYes,
	}
}

func (c *Confirmer) start() {
	c.once.Do(func() {
		c.lines = make(chan string)
		go func() {
			defer close(c.lines)
			scanner := bufio.NewScanner(c.in)
			for scanner.Scan() {
				c.lines <- strings.TrimSpace(scanner.Text())
			}
		}()
	})
}

// Confirm 提问 y/n，超时或输入结束时返回 defaultYes
func (c *Confirmer) Confirm(ctx context.Context, question string, defaultYes bool) (bool, error) {
	if c.assumeYes {
		return defaultYes, nil
	}

	hint := "y/n"
	if defaultYes {
		hint = "Y/n"
	}
	if c.timeout > 0 {
		fmt.Fprintf(c.out, "%s [%s] (auto in %s): ", question, hint, c.timeout)
	} else {
		fmt.Fprintf(c.out, "%s [%s]: ", question, hint)
	}

	line, ok, err := c.read(ctx, c.timeout)
	if err != nil {
		return false, err
	}
	if !ok {
		fmt.Fprintln(c.out)
		fmt.Fprintln(c.out, "timed out, continuing with default")
		return defaultYes, nil
	}
	return parseAnswer(line, defaultYes), nil
}

// Ask 读取一行文本，空行返回 defaultValue，不设超时
func (c *Confirmer) Ask(ctx context.Context, question, defaultValue string) (string, error) {
	if c.assumeYes {
		return defaultValue, nil
	}
	if defaultValue != "" {
		fmt.Fprintf(c.out, "%s [%s]: ", question, defaultValue)
	} else {
		fmt.Fprintf(c.out, "%s: ", question)
	}

	line, ok, err := c.read(ctx, 0)
	if err != nil {
		return "", err
	}
	if !ok || line == "" {
		return defaultValue, nil
	}
	return line, nil
}

// read 等待一行输入；timeout 为 0 表示不限时。ok=false 表示超时或输入结束
func (c *Confirmer) read(ctx context.Context, timeout time.Duration) (string, bool, error) {
	c.start()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case line, open := <-c.lines:
		if !open {
			return "", false, nil
		}
		return line, true, nil
	case <-deadline:
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

func parseAnswer(line string, defaultYes bool) bool {
	switch strings.ToLower(line) {
	case "":
		return defaultYes
	case "y", "yes":
		return true
	default:
		return false
	}
}
