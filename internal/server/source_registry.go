package server

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/any-hub/thumbhub/internal/config"
)

// Source 描述一个已注册的原图目录。
type Source struct {
	Name string `json:"name"`
	Root string `json:"root"`
}

// Resolve 把相对路径解析为源目录下的绝对路径；".." 在根目录处被截断，无法逃逸。
func (s Source) Resolve(rel string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash("/" + strings.TrimSpace(rel)))
	full := filepath.Join(s.Root, cleaned)
	if full == filepath.Clean(s.Root) {
		return "", errors.New("path must name a file under the source root")
	}
	return full, nil
}

// SourceRegistry 提供源名称到 Source 的查询能力。调用方应在启动阶段创建一次并复用。
type SourceRegistry struct {
	sources map[string]*Source
	ordered []*Source
}

// NewSourceRegistry 根据配置构建源目录映射。
func NewSourceRegistry(cfg *config.Config) (*SourceRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &SourceRegistry{
		sources: make(map[string]*Source, len(cfg.Sources)),
	}

	for _, src := range cfg.Sources {
		name := strings.TrimSpace(src.Name)
		if name == "" {
			return nil, errors.New("source name required")
		}
		if _, exists := registry.sources[name]; exists {
			return nil, fmt.Errorf("duplicate source %s", name)
		}
		root, err := filepath.Abs(src.Root)
		if err != nil {
			return nil, fmt.Errorf("invalid root for source %s: %w", name, err)
		}

		entry := &Source{Name: name, Root: filepath.Clean(root)}
		registry.sources[name] = entry
		registry.ordered = append(registry.ordered, entry)
	}

	return registry, nil
}

// Lookup 根据名称查找 Source。
func (r *SourceRegistry) Lookup(name string) (Source, bool) {
	if r == nil {
		return Source{}, false
	}
	src, ok := r.sources[strings.TrimSpace(name)]
	if !ok {
		return Source{}, false
	}
	return *src, true
}

// List 返回当前注册的 Source 列表（按配置定义的顺序），用于诊断输出与预热。
func (r *SourceRegistry) List() []Source {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]Source, len(r.ordered))
	for i, src := range r.ordered {
		result[i] = *src
	}
	return result
}
