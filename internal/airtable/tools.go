package airtable

import (
	"context"
	"fmt"

	"github.com/nugget/deskpilot/internal/tools"
)

// DefaultToolRecords caps airtable_list_records when the model does not
// ask for a specific count.
const DefaultToolRecords = 20

// Tools returns the read-only Airtable lookup tools for c.
func Tools(c *Client) []*tools.Tool {
	return []*tools.Tool{
		{
			Name:        "airtable_list_records",
			Description: "List records from an Airtable table. Supports an Airtable formula filter and a named view.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"table": map[string]any{
						"type":        "string",
						"description": "Table name or ID.",
					},
					"max_records": map[string]any{
						"type":        "integer",
						"minimum":     1,
						"maximum":     MaxPageSize,
						"description": fmt.Sprintf("Maximum records to return. Default: %d.", DefaultToolRecords),
					},
					"filter_by_formula": map[string]any{
						"type":        "string",
						"description": "Airtable formula; only records where it evaluates truthy are returned, e.g. {Status} = 'Open'.",
					},
					"view": map[string]any{
						"type":        "string",
						"description": "Name or ID of a view whose filters and sort order apply.",
					},
				},
				"required":             []string{"table"},
				"additionalProperties": false,
			},
			Handler: listRecordsHandler(c),
		},
		{
			Name:        "airtable_list_tables",
			Description: "List the tables in the configured Airtable base with their fields.",
			Parameters: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{},
				"additionalProperties": false,
			},
			Handler: listTablesHandler(c),
		},
	}
}

func listRecordsHandler(c *Client) tools.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		table, _ := args["table"].(string)
		limit := DefaultToolRecords
		if n, ok := args["max_records"].(float64); ok && n > 0 {
			limit = int(n)
		}
		opts := ListOptions{MaxRecords: limit, PageSize: min(limit, MaxPageSize)}
		opts.FilterByFormula, _ = args["filter_by_formula"].(string)
		opts.View, _ = args["view"].(string)

		records, err := c.ListAllRecords(ctx, table, opts, limit)
		if err != nil {
			return "", err
		}
		if records == nil {
			records = []Record{}
		}
		out, err := json.MarshalToString(map[string]any{
			"table":   table,
			"count":   len(records),
			"records": records,
		})
		if err != nil {
			return "", fmt.Errorf("encode records: %w", err)
		}
		return out, nil
	}
}

func listTablesHandler(c *Client) tools.Handler {
	return func(ctx context.Context, _ map[string]any) (string, error) {
		tables, err := c.ListTables(ctx)
		if err != nil {
			return "", err
		}
		if tables == nil {
			tables = []Table{}
		}
		out, err := json.MarshalToString(map[string]any{"tables": tables})
		if err != nil {
			return "", fmt.Errorf("encode tables: %w", err)
		}
		return out, nil
	}
}
