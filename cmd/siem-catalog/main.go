// Command siem-catalog validates and inspects refinery mapping and schema
// documents before they are deployed to a collector.
package main

import (
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"refinery-siem/internal/mapping"
	"refinery-siem/internal/schema"
)

var version = "dev"

const (
	kindMapping = "mapping"
	kindSchema  = "schema"
)

const usage = `Usage: siem-catalog <command> [flags] [paths]

Commands:
  validate   check mapping catalog and schema documents
  list       print the categories and fields the documents declare

Flags:
  -version   print the version and exit
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 1
	}

	switch args[0] {
	case "validate":
		return cmdValidate(args[1:])
	case "list":
		return cmdList(args[1:])
	case "-version", "--version", "-v":
		fmt.Println("siem-catalog " + version)
		return 0
	}

	fmt.Fprintf(os.Stderr, "siem-catalog: unknown command %q\n", args[0])
	fmt.Fprint(os.Stderr, usage)
	return 1
}

func cmdValidate(args []string) int {
	flags := flag.NewFlagSet("validate", flag.ExitOnError)
	verbose := flags.Bool("verbose", false, "print categories, fields and fallbacks per document")
	flags.Parse(args)

	if flags.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "siem-catalog: validate needs at least one file or directory")
		return 1
	}

	docs, errs := expand(flags.Args())
	problems := len(errs)
	for _, err := range errs {
		fmt.Fprintln(os.Stderr, "siem-catalog:", err)
	}

	for _, path := range docs {
		if err := checkDocument(path, *verbose); err != nil {
			fmt.Printf("FAIL  %s: %v\n", path, err)
			problems++
		}
	}

	fmt.Printf("\n%d documents, %d problems\n", len(docs), problems)
	if problems > 0 {
		return 1
	}
	return 0
}

func cmdList(args []string) int {
	flags := flag.NewFlagSet("list", flag.ExitOnError)
	flags.Parse(args)

	paths := flags.Args()
	if len(paths) == 0 {
		paths = []string{"catalog"}
	}

	docs, errs := expand(paths)
	for _, err := range errs {
		fmt.Fprintln(os.Stderr, "siem-catalog:", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, path := range docs {
		listDocument(tw, path)
	}
	tw.Flush()

	if len(errs) > 0 {
		return 1
	}
	return 0
}

// checkDocument parses one document and prints a summary line, expanded
// with per-category or per-field detail in verbose mode.
func checkDocument(path string, verbose bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	kind, err := detectKind(data)
	if err != nil {
		return err
	}

	switch kind {
	case kindMapping:
		catalog, err := mapping.ParseDocument(data)
		if err != nil {
			return err
		}
		fmt.Printf("ok    %s  mapping catalog, %d categories\n", path, len(catalog.Categories()))
		if verbose {
			printCatalog(catalog)
		}
	case kindSchema:
		sch, err := schema.ParseDocument(data)
		if err != nil {
			return err
		}
		fmt.Printf("ok    %s  schema, %d fields\n", path, sch.Len())
		if verbose {
			printSchema(sch)
		}
	}
	return nil
}

func printCatalog(catalog *mapping.Catalog) {
	for _, name := range catalog.Categories() {
		tbl, _ := catalog.Category(name)
		fmt.Printf("      %s: %d mappings\n", name, tbl.Len())
	}
	fmt.Printf("      %s: %d mappings\n", mapping.DefaultCategory, catalog.Default().Len())
}

func printSchema(sch *schema.Schema) {
	for _, field := range sch.Fields() {
		attrs := []string{string(field.Type)}
		if field.Required {
			attrs = append(attrs, "required")
		}
		if field.Fallback != "" {
			attrs = append(attrs, "fallback="+field.Fallback)
		}
		if len(field.AllowedValues) > 0 {
			attrs = append(attrs, "allowed="+strings.Join(field.AllowedValues, "|"))
		}
		fmt.Printf("      %s: %s\n", field.Name, strings.Join(attrs, ", "))
	}
}

// listDocument prints one row per declared category or field. Documents
// that do not parse are skipped here; validate reports their errors.
func listDocument(tw *tabwriter.Writer, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	kind, err := detectKind(data)
	if err != nil {
		return
	}

	switch kind {
	case kindMapping:
		catalog, err := mapping.ParseDocument(data)
		if err != nil {
			return
		}
		for _, name := range catalog.Categories() {
			tbl, _ := catalog.Category(name)
			fmt.Fprintf(tw, "mapping\t%s\t%d mappings\n", name, tbl.Len())
		}
		fmt.Fprintf(tw, "mapping\t%s\t%d mappings\n", mapping.DefaultCategory, catalog.Default().Len())
	case kindSchema:
		sch, err := schema.ParseDocument(data)
		if err != nil {
			return
		}
		for _, field := range sch.Fields() {
			required := ""
			if field.Required {
				required = "required"
			}
			fmt.Fprintf(tw, "schema\t%s\t%s\t%s\n", field.Name, field.Type, required)
		}
	}
}

// detectKind decides whether a document is a mapping catalog or a schema by
// its top-level keys. Mapping documents declare sources, schema documents
// declare fields.
func detectKind(data []byte) (string, error) {
	var probe struct {
		Sources map[string]any `yaml:"sources"`
		Fields  []any          `yaml:"fields"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("parse document: %w", err)
	}

	switch {
	case probe.Sources != nil && probe.Fields != nil:
		return "", fmt.Errorf("document declares both sources and fields")
	case probe.Sources != nil:
		return kindMapping, nil
	case probe.Fields != nil:
		return kindSchema, nil
	}
	return "", fmt.Errorf("document declares neither sources nor fields")
}

// expand resolves the argument list into individual documents, walking
// directories as it goes.
func expand(paths []string) (docs []string, errs []error) {
	for _, path := range paths {
		info, err := os.Stat(path)
		switch {
		case err != nil:
			errs = append(errs, err)
		case info.IsDir():
			found, err := yamlFiles(path)
			if err != nil {
				errs = append(errs, err)
			}
			docs = append(docs, found...)
		default:
			docs = append(docs, path)
		}
	}
	return docs, errs
}

// yamlFiles walks root collecting .yaml and .yml files.
func yamlFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
