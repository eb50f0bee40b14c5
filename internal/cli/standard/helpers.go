package standard

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ccheshirecat/hostagent/internal/cli/client"
)

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func encodeAsJSON(out io.Writer, payload any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func wantJSON(cmd *cobra.Command) bool {
	v, err := cmd.Root().PersistentFlags().GetBool("json")
	return err == nil && v
}

func clientFromCmd(cmd *cobra.Command) (*client.Client, error) {
	flags := cmd.Root().PersistentFlags()
	base, err := flags.GetString("api")
	if err != nil {
		base = envOrDefault("HOSTAGENT_API_BASE", client.DefaultBaseURL)
	}
	key, _ := flags.GetString("api-key")
	return client.New(base, key)
}
