// Package modules ships the example modules bundled with the runtime. They
// double as a smoke test for the lifecycle: greeter provides a capability and
// publishes on the bus, inventory resolves the capability through a range
// query.
package modules

import (
	"starlinker/internal/forge/bus"
	"starlinker/internal/forge/module"
)

// RegisterExamples adds the bundled example constructors to entries.
func RegisterExamples(entries *module.Registry) {
	entries.Register("examples:greeter", func() any { return &Greeter{} })
	entries.Register("examples:inventory", func() any { return &Inventory{} })
}

// Greeter subscribes to the greet topic and greets on enable. Its manifest
// provides greeter.service@1.0.0.
type Greeter struct {
	ctx   *module.Context
	unsub func()
}

func (g *Greeter) OnLoad(ctx *module.Context) error {
	g.ctx = ctx
	g.unsub = ctx.Bus.Subscribe("greet", g.handle)
	ctx.Logger.Info("greeter loaded")
	return nil
}

func (g *Greeter) handle(payload any) {
	g.ctx.Logger.Info("greeted", "payload", payload)
}

func (g *Greeter) OnEnable() error {
	g.ctx.Bus.Publish("greet", "world")
	return nil
}

func (g *Greeter) OnDisable() error {
	g.unsub()
	return nil
}

// Greet is the capability surface Greeter exposes to other modules.
func (g *Greeter) Greet(b *bus.Bus, who string) {
	b.Publish("greet", who)
}

// Inventory resolves the greeter capability during load and keeps a small
// item list in module storage.
type Inventory struct {
	ctx     *module.Context
	greeter *Greeter
}

func (m *Inventory) OnLoad(ctx *module.Context) error {
	m.ctx = ctx
	obj, err := ctx.Capabilities.Get("greeter.service@^1.0")
	if err != nil {
		return err
	}
	if g, ok := obj.(*Greeter); ok {
		m.greeter = g
	}
	ctx.Logger.Info("inventory loaded")
	return nil
}

func (m *Inventory) OnEnable() error {
	if m.greeter != nil {
		m.greeter.Greet(m.ctx.Bus, "inventory")
	}
	return m.ctx.Storage.Put(m.ctx.Manifest.Name, "items", []string{"sword", "shield"})
}

func (m *Inventory) OnDisable() error {
	return nil
}
