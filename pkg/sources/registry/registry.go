// Package registry wires the built-in source plugins.
package registry

import (
	"github.com/synaptica-ai/worklist/pkg/sources"
	"github.com/synaptica-ai/worklist/pkg/sources/calpendo"
	"github.com/synaptica-ai/worklist/pkg/sources/httpjson"
	"github.com/synaptica-ai/worklist/pkg/sources/redcap"
)

func Default() *sources.Registry {
	r := sources.NewRegistry()
	r.Register(calpendo.Type, calpendo.New)
	r.Register(redcap.Type, redcap.New)
	r.Register(httpjson.Type, httpjson.New)
	return r
}
