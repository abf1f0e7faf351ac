package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is one row of the product catalog: the dimension hierarchy is
// asset_class -> product_type -> product.
type Entry struct {
	AssetClass  string `yaml:"asset_class"`
	ProductType string `yaml:"product_type"`
	Product     string `yaml:"product"`
}

// Document identifies a press-release document available to semantic search.
type Document struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Catalog is the fixed set of valid dimension values for numeric planning,
// plus the documents available in the semantic index. Values outside the
// catalog must never appear in generated query filters.
type Catalog struct {
	Products  []Entry    `yaml:"products"`
	Documents []Document `yaml:"documents"`

	valuesByColumn map[string]map[string]struct{}
}

// FilterColumns are the dimension columns whose filter values are
// constrained to the catalog.
var FilterColumns = []string{"asset_class", "product_type", "product"}

// Load reads and indexes a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(c.Products) == 0 {
		return nil, fmt.Errorf("catalog %s has no products", path)
	}
	c.index()
	return &c, nil
}

func (c *Catalog) index() {
	c.valuesByColumn = map[string]map[string]struct{}{
		"asset_class":  {},
		"product_type": {},
		"product":      {},
	}
	for _, e := range c.Products {
		c.valuesByColumn["asset_class"][norm(e.AssetClass)] = struct{}{}
		c.valuesByColumn["product_type"][norm(e.ProductType)] = struct{}{}
		c.valuesByColumn["product"][norm(e.Product)] = struct{}{}
	}
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// HasValue reports whether value is a valid member of column's dimension.
// Unknown columns are unconstrained.
func (c *Catalog) HasValue(column, value string) bool {
	vals, ok := c.valuesByColumn[norm(column)]
	if !ok {
		return true
	}
	_, ok = vals[norm(value)]
	return ok
}

// Values returns the sorted distinct values of a constrained column.
func (c *Catalog) Values(column string) []string {
	vals, ok := c.valuesByColumn[norm(column)]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(vals))
	for v := range vals {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// SchemaPrompt renders the warehouse table schema for agent prompts.
func SchemaPrompt(table string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Table %s: monthly activity report data with trading volumes and average daily volumes (adv).\n", table)
	b.WriteString("Columns:\n")
	b.WriteString("  asset_class   VARCHAR    -- top of the hierarchy\n")
	b.WriteString("  product_type  VARCHAR\n")
	b.WriteString("  product       VARCHAR    -- leaf of the hierarchy\n")
	b.WriteString("  year_month    VARCHAR    -- 'YYYY-MM'\n")
	b.WriteString("  year          INTEGER\n")
	b.WriteString("  month         INTEGER    -- 1..12\n")
	b.WriteString("  volume        DOUBLE\n")
	b.WriteString("  adv           DOUBLE     -- average daily volume\n")
	b.WriteString("Hierarchy: asset_class -> product_type -> product. All string values are lowercase.")
	return b.String()
}

// ProductsPrompt renders the valid dimension values for agent prompts.
func (c *Catalog) ProductsPrompt() string {
	var b strings.Builder
	b.WriteString("Valid dimension values (filters must use only these):\n")
	fmt.Fprintf(&b, "asset_class: %s\n", strings.Join(c.Values("asset_class"), ", "))
	fmt.Fprintf(&b, "product_type: %s\n", strings.Join(c.Values("product_type"), ", "))
	fmt.Fprintf(&b, "product: %s", strings.Join(c.Values("product"), ", "))
	return b.String()
}

// DocumentsPrompt renders the press releases available to semantic search.
func (c *Catalog) DocumentsPrompt() string {
	if len(c.Documents) == 0 {
		return "No press-release documents are currently indexed."
	}
	var b strings.Builder
	b.WriteString("Press releases available in the semantic index:\n")
	for _, d := range c.Documents {
		fmt.Fprintf(&b, "- %s (%s)\n", d.Name, d.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}
