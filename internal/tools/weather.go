package tools

import (
	"context"
	"fmt"
	"strings"
)

// WeatherTool returns the getWeather demo tool. It answers from a fixed
// table and never touches the network.
func WeatherTool() *Tool {
	return &Tool{
		Name:        "getWeather",
		Description: "Get the current weather for a location.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{
					"type":        "string",
					"description": "The city to get the weather for",
				},
			},
			"required": []string{"location"},
		},
		Handler: handleGetWeather,
	}
}

func handleGetWeather(_ context.Context, args map[string]any) (string, error) {
	location, _ := args["location"].(string)
	l := strings.ToLower(location)
	switch {
	case strings.Contains(l, "sf"), strings.Contains(l, "san francisco"):
		return "It's sunny!", nil
	case strings.Contains(l, "boston"):
		return "It's rainy!", nil
	default:
		return fmt.Sprintf("I am not sure what the weather in %s", location), nil
	}
}
