// Command weft-dump inspects document snapshots written by weft-sim:
// it prints the operations in their resolved total order and renders
// the materialized document.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"weft/backend/blob"
	"weft/backend/config"
	"weft/backend/docmodel"
	"weft/backend/storage"
	"weft/backend/util/iterx"

	"github.com/jedib0t/go-pretty/v6/table"
)

func main() {
	var (
		dataDir  = flag.String("data-dir", config.Base{}.Default().DataDir, "Path to the replica data directory")
		showOps  = flag.Bool("ops", true, "Print the operations in total order")
		showText = flag.Bool("text", true, "Print the rendered document")
	)
	flag.Parse()

	if err := run(*dataDir, flag.Arg(0), *showOps, *showText); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(dataDir, name string, showOps, showText bool) error {
	base := config.Base{DataDir: dataDir}
	if err := base.ExpandDataDir(); err != nil {
		return err
	}

	store, err := storage.Open(base.DataDir, nil, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	if name == "" {
		names, err := store.ListSnapshots()
		if err != nil {
			return err
		}

		sort.Strings(names)
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	}

	doc, err := store.RestoreDoc(name)
	if err != nil {
		return err
	}

	if showOps {
		if err := printOps(doc); err != nil {
			return err
		}
	}

	if showText {
		return printDocument(doc)
	}

	return nil
}

func printOps(doc *docmodel.Doc) error {
	walk, err := doc.Walk()
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Operations (total order)")
	t.AppendHeader(table.Row{"#", "OpID", "Kind", "Payload", "Votes", "Hidden"})

	log := doc.Log()
	for pos, op := range walk {
		t.AppendRow(table.Row{
			pos,
			op.ID.String(),
			string(op.Kind),
			opPayload(op),
			log.Votes(op.ID),
			log.Hidden(op.ID),
		})
	}
	t.Render()

	return nil
}

func opPayload(op *docmodel.Operation) string {
	switch op.Kind {
	case blob.OpInsert:
		kind := "fresh"
		if len(op.Splices) > 0 {
			kind = fmt.Sprintf("splice of %d ranges", len(op.Splices))
		}
		return fmt.Sprintf("%q (%s)", string(op.Text), kind)
	case blob.OpErase:
		var parts []string
		for _, r := range op.Runs {
			parts = append(parts, fmt.Sprintf("%q from %s", string(r.Text), r.First))
		}
		return strings.Join(parts, ", ")
	case blob.OpFormat:
		var parts []string
		for k, v := range op.Attrs {
			parts = append(parts, fmt.Sprintf("%s=%q", k, v))
		}
		for k, v := range op.Para {
			parts = append(parts, fmt.Sprintf("para:%s=%q", k, v))
		}
		sort.Strings(parts)
		return strings.Join(parts, " ")
	case blob.OpUndo:
		return fmt.Sprintf("%+d on %s", op.Delta, op.Target)
	default:
		return "?"
	}
}

func printDocument(d *docmodel.Doc) error {
	doc, err := d.Document()
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Fragments (%d)", doc.Len())
	t.AppendHeader(table.Row{"#", "Identity", "Placed By", "Style", "Value"})

	for i, f := range iterx.Enumerate(doc.Fragments()) {
		value := string(f.Value)
		if f.Value == docmodel.ParagraphSep {
			value = "<para>"
		}

		var style []string
		for k, v := range f.Style {
			style = append(style, fmt.Sprintf("%s=%s", k, v))
		}
		sort.Strings(style)

		t.AppendRow(table.Row{i, f.ID.String(), f.PlacedBy.String(), strings.Join(style, " "), value})
	}
	t.Render()

	t = table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Paragraphs (%d)", len(doc.Paragraphs))
	t.AppendHeader(table.Row{"#", "Props", "Text"})

	for i, p := range doc.Paragraphs {
		var props []string
		for k, v := range p.Props {
			props = append(props, fmt.Sprintf("%s=%s", k, v))
		}
		sort.Strings(props)

		t.AppendRow(table.Row{i, strings.Join(props, " "), p.Text()})
	}
	t.Render()

	return nil
}
