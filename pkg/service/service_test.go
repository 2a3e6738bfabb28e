package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fake struct {
	name  string
	err   error
	order *[]string
}

func (f *fake) Run()                           { *f.order = append(*f.order, "run "+f.name) }
func (f *fake) Shutdown(context.Context) error { *f.order = append(*f.order, "stop "+f.name); return f.err }
func (f *fake) String() string                 { return f.name }

func TestGroup(t *testing.T) {
	var order []string
	boom := errors.New("boom")

	g := Group{}
	g.Add(&fake{name: "a", order: &order}, "not runnable", &fake{name: "b", err: boom, order: &order},
		&fake{name: "c", err: context.Canceled, order: &order})
	g.Start()
	err := g.Shutdown(context.Background())

	assert.Equal(t, []string{"run a", "run b", "run c", "stop c", "stop b", "stop a"}, order)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "[b]")
}

func TestFunc(t *testing.T) {
	stopped := make(chan struct{})
	f := &Func{Name: "loop", Fn: func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}}

	g := Group{}
	g.Add(f)
	g.Start()
	assert.NoError(t, g.Shutdown(context.Background()))
	<-stopped
}

func TestFuncNotStarted(t *testing.T) {
	assert.NoError(t, (&Func{}).Shutdown(context.Background()))
}
