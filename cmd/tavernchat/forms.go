package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tavern/chat-app/internal/forms"
)

var selectCmd = &cobra.Command{
	Use:   "select <character-id>",
	Short: "Pick the character to play and open the chat page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		createURL, err := cfg.Resolve(cfg.CreateCharacterURL)
		if err != nil {
			return err
		}
		s := forms.NewCharacterSelector(createURL, cfg.ChatURL, navigator(cmd), formOptions()...)
		return s.Select(cmd.Context(), args[0])
	},
}

var uploadAvatarCmd = &cobra.Command{
	Use:   "upload-avatar <character.json> [image]",
	Short: "Upload a character record with an optional avatar image",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read character: %w", err)
		}
		if !json.Valid(raw) {
			return fmt.Errorf("character file %s is not valid JSON", args[0])
		}
		uploadURL, err := cfg.Resolve(cfg.UploadURL)
		if err != nil {
			return err
		}

		f := forms.NewAvatarForm(uploadURL, cfg.CharacterSelectURL, json.RawMessage(raw), navigator(cmd), formOptions()...)
		if len(args) == 2 {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			f.Choose(filepath.Base(args[1]), data)
			log.Debug().Msgf("[avatar] preview %d bytes", len(f.Preview()))
		}
		return f.Submit(cmd.Context())
	},
}

func formOptions() []forms.Option {
	if cfg.RedirectAlways {
		return []forms.Option{forms.WithRedirect(forms.RedirectAlways)}
	}
	return nil
}

// navigator prints the page the browser would have opened.
func navigator(cmd *cobra.Command) forms.Navigator {
	return forms.NavigatorFunc(func(url string) {
		log.Info().Msgf("[forms] navigate to %s", url)
		fmt.Fprintln(cmd.OutOrStdout(), url)
	})
}
