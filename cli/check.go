package cli

import (
	"github.com/spf13/cobra"

	"github.com/tsawler/go-lightning/adapter"
	"github.com/tsawler/go-lightning/examples/gan"
	"github.com/tsawler/go-lightning/lightning"
)

// NewCheckCmd reports whether the example module can be adapted
func NewCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check the example GAN module for adapter compatibility",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			m, err := gan.New(gan.DefaultConfig(), nil)
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}

			hooks := lightning.Inspect(m)
			overridden := make(map[string][]string)
			for _, h := range hooks.Hooks() {
				overridden[string(h)] = hooks.Params(h)
			}
			logJSONCmd(*cmd, map[string]any{"hooks": overridden})

			if err := adapter.CheckCompatibility(m); err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			logOKCmd(*cmd)
		},
	}
}
