package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"e2ee-session/internal/dto"

	"github.com/spf13/cobra"
)

func registerCmd() *cobra.Command {
	var (
		userID   string
		deviceID string
		count    int
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Publish a prekey bundle to the directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := app.Unlock()
			if err != nil {
				return err
			}
			defer kp.Wipe()

			bundle, err := app.Manager.PublishPrekeys(cmd.Context(), kp, count)
			if err != nil {
				return err
			}
			res, err := app.Directory.Register(cmd.Context(), dto.NewRegisterDeviceRequest(userID, deviceID, bundle))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user UUID (generated if empty)")
	cmd.Flags().StringVar(&deviceID, "device", "", "device UUID (generated if empty)")
	cmd.Flags().IntVar(&count, "count", 20, "number of one-time prekeys to publish")
	return cmd
}

func bundleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bundle <device-id>",
		Short: "Fetch a device's prekey bundle (claims one of its one-time prekeys)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := app.Directory.Bundle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func replenishCmd() *cobra.Command {
	var (
		deviceID  string
		threshold int64
		count     int
	)
	cmd := &cobra.Command{
		Use:   "replenish",
		Short: "Upload one-time prekeys when the directory runs low",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deviceID == "" || token == "" {
				return fmt.Errorf("--device and --token are required")
			}
			current, err := app.Directory.CountOneTimePreKeys(cmd.Context(), deviceID)
			if err != nil {
				return err
			}
			if current.Available >= threshold {
				fmt.Fprintf(cmd.OutOrStdout(), "%d one-time prekeys available, nothing to do.\n", current.Available)
				return nil
			}
			keys, err := app.Manager.ReplenishOneTimePrekeys(cmd.Context(), count)
			if err != nil {
				return err
			}
			res, err := app.Directory.UploadOneTimePreKeys(cmd.Context(), deviceID, dto.UploadOneTimePreKeysRequest{OneTimePreKeys: dto.FromOneTimePrekeys(keys)})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "this device's UUID")
	cmd.Flags().Int64Var(&threshold, "min", 10, "replenish when fewer than this many remain")
	cmd.Flags().IntVar(&count, "count", 20, "number of one-time prekeys to upload")
	return cmd
}

func rotateSignedPrekeyCmd() *cobra.Command {
	var (
		deviceID string
		keep     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "rotate-signed-prekey",
		Short: "Replace the published signed prekey",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deviceID == "" || token == "" {
				return fmt.Errorf("--device and --token are required")
			}
			kp, err := app.Unlock()
			if err != nil {
				return err
			}
			defer kp.Wipe()

			spk, err := app.Manager.RotateSignedPrekey(cmd.Context(), kp)
			if err != nil {
				return err
			}
			res, err := app.Directory.RotateSignedPreKey(cmd.Context(), deviceID, dto.RotateSignedPreKeyRequest{SignedPreKey: dto.FromSignedPrekey(*spk)})
			if err != nil {
				return err
			}
			pruned, err := app.Prekeys.PruneSignedPrekeys(cmd.Context(), keep)
			if err != nil {
				return err
			}
			if pruned > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "pruned %d old signed prekeys\n", pruned)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "this device's UUID")
	cmd.Flags().DurationVar(&keep, "keep", 30*24*time.Hour, "keep superseded signed prekeys this long for late handshakes")
	return cmd
}

func conversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List stored conversation lanes (badger backend)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Badger == nil {
				return fmt.Errorf("listing needs STATE_BACKEND=badger, have %q", app.Config.StateBackend)
			}
			ids, err := app.Badger.Conversations()
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
