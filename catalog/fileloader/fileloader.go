// Package fileloader loads flow definitions from a directory of JSON or
// YAML files, one flow per file. Intended for local development and tests;
// production deployments use a database-backed catalog.
package fileloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"goa.design/clue/log"

	"github.com/flowmesh/flowmesh/catalog/inmem"
	"github.com/flowmesh/flowmesh/flow"
)

// Load parses every *.json, *.yaml and *.yml file under dir as one flow
// definition. Files that fail to parse are logged and skipped so one broken
// definition does not take the whole directory down.
func Load(ctx context.Context, dir string) ([]*flow.Flow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read flow directory %s: %w", dir, err)
	}
	var flows []*flow.Flow
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read flow file %s: %w", path, err)
		}
		var f *flow.Flow
		if ext == ".json" {
			f, err = flow.ParseJSON(data)
		} else {
			f, err = flow.ParseYAML(data)
		}
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "skipping invalid flow file"}, log.KV{K: "file", V: path})
			continue
		}
		flows = append(flows, f)
		log.Debug(ctx, log.KV{K: "msg", V: "loaded flow"}, log.KV{K: "flow_id", V: f.ID}, log.KV{K: "file", V: path})
	}
	return flows, nil
}

// New loads dir and returns a catalog serving its flows.
func New(ctx context.Context, dir string) (*inmem.Catalog, error) {
	flows, err := Load(ctx, dir)
	if err != nil {
		return nil, err
	}
	return inmem.New(flows...)
}
