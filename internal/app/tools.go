package app

import (
	"github.com/nevindra/parley"
	"github.com/nevindra/parley/observer"
	"github.com/nevindra/parley/tools/document"
	"github.com/nevindra/parley/tools/search"
	"github.com/nevindra/parley/tools/wolfram"
)

// buildTools assembles the tool registry. Wolfram is only registered when an
// app id is configured; search and document reading are always available.
func (a *App) buildTools(inst *observer.Instruments) (*parley.ToolRegistry, error) {
	var tools []parley.Tool

	tools = append(tools, search.New())
	tools = append(tools, document.New(a.cfg.Documents.Root))
	if a.cfg.Wolfram.AppID != "" {
		tools = append(tools, wolfram.New(a.cfg.Wolfram.AppID))
	}

	reg := parley.NewToolRegistry()
	if inst != nil {
		return observer.WrapTools(reg, tools, inst), nil
	}
	for _, t := range tools {
		reg.Add(t)
	}
	return reg, nil
}
