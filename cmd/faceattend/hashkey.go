package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/faceattend/internal/application"
)

func newHashKeyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Print the admin.key_hash value for an admin key",
		Long:  "Print the argon2id hash to store in admin.key_hash. The key is read from the first line of stdin when not given as an argument.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read key from stdin: %w", err)
				}
				key = strings.TrimRight(line, "\r\n")
			}
			if key == "" {
				return errors.New("admin key must not be empty")
			}

			hash, err := application.CreateKeyHash(key, application.DefaultArgon2idParams)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}
