package migration

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// Console 把迁移操作的结果写成终端输出，供 holonflow migrate 使用。
type Console struct {
	m   Migrator
	out io.Writer
}

// NewConsole 创建控制台输出
func NewConsole(m Migrator, out io.Writer) *Console {
	return &Console{m: m, out: out}
}

// Up 应用迁移并打印结果版本
func (c *Console) Up(ctx context.Context) error {
	if err := c.m.Up(ctx); err != nil {
		return err
	}
	return c.printVersion(ctx, "graph schema up to date")
}

// Down 回滚一步
func (c *Console) Down(ctx context.Context) error {
	if err := c.m.Down(ctx); err != nil {
		return err
	}
	return c.printVersion(ctx, "rolled back one migration")
}

// Force 强制设置版本
func (c *Console) Force(ctx context.Context, version int) error {
	if err := c.m.Force(ctx, version); err != nil {
		return err
	}
	return c.printVersion(ctx, "version forced")
}

// Version 打印当前版本
func (c *Console) Version(ctx context.Context) error {
	return c.printVersion(ctx, "")
}

func (c *Console) printVersion(ctx context.Context, prefix string) error {
	v, dirty, err := c.m.Version(ctx)
	if err != nil {
		return err
	}
	if prefix != "" {
		fmt.Fprintf(c.out, "%s; ", prefix)
	}
	switch {
	case v == 0:
		fmt.Fprintln(c.out, "graph schema not migrated")
	case dirty:
		fmt.Fprintf(c.out, "graph schema at version %d (dirty)\n", v)
	default:
		fmt.Fprintf(c.out, "graph schema at version %d\n", v)
	}
	return nil
}

// Status 列出每个迁移的状态
func (c *Console) Status(ctx context.Context) error {
	steps, err := c.m.Status(ctx)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		fmt.Fprintln(c.out, "no migrations embedded")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATE")
	applied := 0
	for _, s := range steps {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		}
		if s.Applied {
			applied++
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%d/%d applied\n", applied, len(steps))
	return nil
}

// Info 打印方言、版本与受管表
func (c *Console) Info(ctx context.Context) error {
	info, err := c.m.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "dialect:  %s\n", info.Dialect)
	fmt.Fprintf(c.out, "version:  %d\n", info.Version)
	fmt.Fprintf(c.out, "dirty:    %t\n", info.Dirty)
	fmt.Fprintf(c.out, "applied:  %d/%d (%d pending)\n", info.Applied, info.Total, info.Pending())
	fmt.Fprintf(c.out, "tables:   %s\n", strings.Join(Tables, ", "))
	return nil
}
