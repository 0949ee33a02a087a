package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Format — формат вывода данных.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat проверяет значение флага --output.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatTable, nil
	default:
		return "", fmt.Errorf("unknown output format %q (table, json, yaml)", s)
	}
}

// Output форматирует вывод CLI: данные в stdout, сообщения в stderr.
type Output struct {
	format Format
	w      io.Writer
	errW   io.Writer
}

// NewOutput создаёт Output поверх stdout и stderr.
func NewOutput(format Format) *Output {
	return NewOutputTo(format, os.Stdout, os.Stderr)
}

// NewOutputTo создаёт Output с заданными writer'ами.
func NewOutputTo(format Format, w, errW io.Writer) *Output {
	if format == "" {
		format = FormatTable
	}
	return &Output{format: format, w: w, errW: errW}
}

// Structured сообщает, что данные выводятся целиком, а не таблицей.
func (o *Output) Structured() bool {
	return o.format != FormatTable
}

// Print выводит таблицу или data целиком в выбранном формате.
func (o *Output) Print(headers []string, rows [][]string, data any) {
	var err error
	switch o.format {
	case FormatJSON:
		err = o.JSON(data)
	case FormatYAML:
		err = o.YAML(data)
	default:
		o.Table(headers, rows)
	}
	if err != nil {
		o.Error(err.Error())
	}
}

// Table выводит строки через tabwriter с подчёркнутыми заголовками.
func (o *Output) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)

	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))

	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

// JSON выводит data с отступами.
func (o *Output) JSON(data any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// YAML выводит data в YAML с именами полей из json-тегов.
//
// JSON — подмножество YAML, поэтому data сначала кодируется в JSON и
// разбирается в yaml.Node: так сохраняется порядок полей.
func (o *Output) YAML(data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return err
	}
	blockStyle(&node)

	enc := yaml.NewEncoder(o.w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

// blockStyle убирает flow-стиль, унаследованный от JSON.
func blockStyle(n *yaml.Node) {
	n.Style &^= yaml.FlowStyle | yaml.DoubleQuotedStyle
	for _, c := range n.Content {
		blockStyle(c)
	}
}

// Success выводит сообщение об успехе в stderr.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Error выводит сообщение об ошибке в stderr.
func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, "Error: "+msg)
}
