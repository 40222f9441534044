package config

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"edge_finder/models"
)

//go:embed queries/*.yaml
var defaultQueries embed.FS

// queryFile is the on-disk shape of one catalogue file. File-level provider
// and channel apply to every query that does not set its own.
type queryFile struct {
	Category models.QueryCategory `yaml:"category"`
	Provider string               `yaml:"provider"`
	Channel  models.SourceChannel `yaml:"channel"`
	Queries  []models.QuerySpec   `yaml:"queries"`
}

// QueryCatalog holds the default search queries grouped by category.
type QueryCatalog struct {
	byCategory map[models.QueryCategory][]models.QuerySpec
}

// LoadQueryCatalog reads every *.yaml file in dir. When dir does not exist
// the catalogue compiled into the binary is used.
func LoadQueryCatalog(dir string) (*QueryCatalog, error) {
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return ParseQueryCatalog(os.DirFS(dir), ".")
	}
	return ParseQueryCatalog(defaultQueries, "queries")
}

// DefaultQueryCatalog returns the compiled-in catalogue.
func DefaultQueryCatalog() *QueryCatalog {
	c, err := ParseQueryCatalog(defaultQueries, "queries")
	if err != nil {
		panic(fmt.Sprintf("embedded query catalogue: %v", err))
	}
	return c
}

func ParseQueryCatalog(fsys fs.FS, dir string) (*QueryCatalog, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read query dir: %w", err)
	}

	c := &QueryCatalog{byCategory: make(map[models.QueryCategory][]models.QuerySpec)}
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".yaml" {
			continue
		}

		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}

		var qf queryFile
		if err := yaml.Unmarshal(data, &qf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", entry.Name(), err)
		}
		if qf.Category == "" {
			qf.Category = models.QueryCategory(strings.TrimSuffix(entry.Name(), ".yaml"))
		}

		for _, q := range qf.Queries {
			if strings.TrimSpace(q.Text) == "" {
				continue
			}
			q.Category = qf.Category
			if q.Provider == "" {
				q.Provider = qf.Provider
			}
			if q.Channel == "" {
				q.Channel = qf.Channel
			}
			if q.DiscoveredVia == "" {
				q.DiscoveredVia = q.Provider + "_" + string(qf.Category)
			}
			c.byCategory[qf.Category] = append(c.byCategory[qf.Category], q)
		}
	}
	return c, nil
}

// Categories returns the known categories in sorted order.
func (c *QueryCatalog) Categories() []models.QueryCategory {
	out := make([]models.QueryCategory, 0, len(c.byCategory))
	for cat := range c.byCategory {
		out = append(out, cat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Select returns the queries for the given categories, all categories when
// none are named. A non-empty custom query is placed first and tagged
// "manual".
func (c *QueryCatalog) Select(categories []models.QueryCategory, custom string) []models.QuerySpec {
	var specs []models.QuerySpec
	if custom = strings.TrimSpace(custom); custom != "" {
		specs = append(specs, ManualQuery(custom))
	}
	if len(categories) == 0 {
		categories = c.Categories()
	}
	for _, cat := range categories {
		specs = append(specs, c.byCategory[cat]...)
	}
	return specs
}

// ManualQuery builds the query for an operator-supplied search.
func ManualQuery(text string) models.QuerySpec {
	return models.QuerySpec{
		Text:          text,
		DiscoveredVia: "manual",
		Provider:      "exa",
		Category:      models.CategoryManual,
	}
}

// ParseCategories splits a comma separated category list.
func ParseCategories(s string) []models.QueryCategory {
	var out []models.QueryCategory
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, models.QueryCategory(part))
		}
	}
	return out
}
