package commands

import (
	"encoding/base64"
	"errors"
	"fmt"

	"e2ee-session/internal/cryptocore"
	"e2ee-session/internal/keystore"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate identity keys and a recovery key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("password required (-p)")
			}
			if _, err := app.Identities.Bundle(); err == nil && !force {
				return fmt.Errorf("account %q already has an identity (use --force to replace it)", account)
			} else if err != nil && !errors.Is(err, keystore.ErrNotFound) {
				return err
			}

			bundle, err := app.Manager.GenerateKeys(cmd.Context(), password)
			if err != nil {
				return err
			}
			kp, err := app.Manager.DecryptKeys(password, bundle)
			if err != nil {
				return err
			}
			defer kp.Wipe()

			rk, err := app.Manager.GenerateRecoveryKey()
			if err != nil {
				return err
			}
			recovery, err := app.Manager.EncryptKeysWithRecovery(rk, kp)
			if err != nil {
				return err
			}
			if err := app.Identities.SaveBundle(bundle); err != nil {
				return err
			}
			if err := app.Identities.SaveRecovery(recovery); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Identity created.")
			fmt.Fprintf(cmd.OutOrStdout(), "Recovery key: %s\n", rk)
			fmt.Fprintln(cmd.OutOrStdout(), "Write the recovery key down. It is not shown again.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the public identity keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := app.Identities.Bundle()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "KEM public key: %s\n", base64.StdEncoding.EncodeToString(bundle.KEMPublic))
			fmt.Fprintf(cmd.OutOrStdout(), "DSA public key: %s\n", base64.StdEncoding.EncodeToString(bundle.DSAPublic))
			return nil
		},
	}
}

func passwdCmd() *cobra.Command {
	var newPassword string
	cmd := &cobra.Command{
		Use:   "passwd",
		Short: "Change the identity password",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" || newPassword == "" {
				return fmt.Errorf("current (-p) and new (--new-password) passwords are required")
			}
			bundle, err := app.Identities.Bundle()
			if err != nil {
				return err
			}
			next, err := app.Manager.ChangePassword(password, newPassword, bundle)
			if err != nil {
				return err
			}
			if err := app.Identities.SaveBundle(next); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Password changed.")
			return nil
		},
	}
	cmd.Flags().StringVar(&newPassword, "new-password", "", "new password")
	return cmd
}

func recoverCmd() *cobra.Command {
	var (
		recoveryKey string
		newPassword string
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Reset the password with the recovery key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if recoveryKey == "" || newPassword == "" {
				return fmt.Errorf("--recovery-key and --new-password are required")
			}
			rk, err := cryptocore.ParseRecoveryKey(recoveryKey)
			if err != nil {
				return err
			}
			current, err := app.Identities.Recovery()
			if err != nil {
				return err
			}
			kp, err := app.Manager.DecryptKeysWithRecovery(rk, current)
			if err != nil {
				return err
			}
			defer kp.Wipe()

			bundle, recovery, err := app.Manager.ReEncryptKeysForNewPassword(cryptocore.ReEncryptParams{
				NewPassword: newPassword,
				RecoveryKey: rk,
				KeyPair:     kp,
				Current:     current,
			})
			if err != nil {
				return err
			}
			if err := app.Identities.SaveBundle(bundle); err != nil {
				return err
			}
			if err := app.Identities.SaveRecovery(recovery); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Password reset. The recovery key is unchanged.")
			return nil
		},
	}
	cmd.Flags().StringVar(&recoveryKey, "recovery-key", "", "recovery key (hex, spaces allowed)")
	cmd.Flags().StringVar(&newPassword, "new-password", "", "new password")
	return cmd
}

func rotateRecoveryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-recovery",
		Short: "Issue a new recovery key and invalidate the old one",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := app.Unlock()
			if err != nil {
				return err
			}
			defer kp.Wipe()
			rk, recovery, err := app.Manager.RotateRecoveryKey(kp)
			if err != nil {
				return err
			}
			if err := app.Identities.SaveRecovery(recovery); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "New recovery key: %s\n", rk)
			return nil
		},
	}
}

func safetyNumberCmd() *cobra.Command {
	var theirKEM, theirDSA string
	cmd := &cobra.Command{
		Use:   "safety-number",
		Short: "Compute the safety number shared with a contact",
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := app.Identities.Bundle()
			if err != nil {
				return err
			}
			kem, err := base64.StdEncoding.DecodeString(theirKEM)
			if err != nil {
				return fmt.Errorf("--their-kem: %w", err)
			}
			dsa, err := base64.StdEncoding.DecodeString(theirDSA)
			if err != nil {
				return fmt.Errorf("--their-dsa: %w", err)
			}
			our := cryptocore.IdentityPublic{KEMPublic: bundle.KEMPublic, DSAPublic: bundle.DSAPublic}
			their := cryptocore.IdentityPublic{KEMPublic: kem, DSAPublic: dsa}
			fmt.Fprintln(cmd.OutOrStdout(), app.Manager.GenerateSafetyNumber(our, their))
			return nil
		},
	}
	cmd.Flags().StringVar(&theirKEM, "their-kem", "", "contact's KEM public key (base64)")
	cmd.Flags().StringVar(&theirDSA, "their-dsa", "", "contact's DSA public key (base64)")
	_ = cmd.MarkFlagRequired("their-kem")
	_ = cmd.MarkFlagRequired("their-dsa")
	return cmd
}
