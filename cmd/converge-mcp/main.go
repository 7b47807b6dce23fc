package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
	arbor_models "github.com/ternarybob/arbor/models"

	"github.com/ternarybob/converge/internal/common"
)

// The MCP server is an HTTP client of a running converge instance rather
// than a second storage reader: Badger holds an exclusive lock on the data
// directory, and continuation triggers need the supervisor that lives in
// the server process.
func main() {
	// Resolve the converge server address: CONVERGE_URL wins, otherwise
	// the server section of the usual config
	var config *common.Config
	var err error

	if configPath := os.Getenv("CONVERGE_CONFIG"); configPath != "" {
		config, err = common.LoadFromFile(configPath)
	} else if _, statErr := os.Stat("converge.toml"); statErr == nil {
		config, err = common.LoadFromFile("converge.toml")
	} else {
		config, err = common.LoadFromFiles()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	baseURL := os.Getenv("CONVERGE_URL")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)
	}

	// Minimal logger for the MCP server (console only, warn level, so
	// stdio stays clean for the protocol)
	logger := arbor.NewLogger().WithConsoleWriter(arbor_models.WriterConfiguration{
		Type:             arbor_models.LogWriterTypeConsole,
		TimeFormat:       "15:04:05",
		DisableTimestamp: false,
	}).WithLevelFromString("warn")

	client := newRunClient(baseURL)

	// Create MCP server
	mcpServer := server.NewMCPServer(
		"converge",
		common.GetVersion(),
		server.WithToolCapabilities(true),
	)

	// Register run tools
	mcpServer.AddTool(createGetRunStatusTool(), handleGetRunStatus(client, logger))
	mcpServer.AddTool(createListRunEventsTool(), handleListRunEvents(client, logger))
	mcpServer.AddTool(createTriggerContinuationTool(), handleTriggerContinuation(client, logger))

	// Start server (blocks on stdio)
	if err := server.ServeStdio(mcpServer); err != nil {
		logger.Fatal().Err(err).Msg("MCP server failed")
	}
}
