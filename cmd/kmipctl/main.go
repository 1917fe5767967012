// kmipctl exercises a KMIP server with the same key-lifecycle operations a
// database server performs for data-at-rest encryption: registering (and
// activating) a master key, fetching it back, and checking its state.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"kmipclient"
)

var params kmipclient.Params

var rootCmd = &cobra.Command{
	Use:          "kmipctl",
	Short:        "Key-lifecycle operations against a KMIP server",
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&params.ServerName, "server", "", "KMIP server host name")
	flags.IntVar(&params.Port, "port", 5696, "KMIP server port")
	flags.StringVar(&params.ServerCAFile, "server-ca", "", "PEM file with the server CA certificates")
	flags.StringVar(&params.ClientCertificateFile, "client-cert", "", "PEM file with the client certificate and key")
	flags.IntVar(&params.ConnectRetries, "connect-retries", 0, "additional connect attempts after a failure")
	flags.DurationVar(&params.ConnectTimeout, "connect-timeout", 5*time.Second, "timeout for one connect attempt")
	flags.DurationVar(&params.ReadTimeout, "read-timeout", 10*time.Second, "network read timeout")
	flags.DurationVar(&params.WriteTimeout, "write-timeout", 10*time.Second, "network write timeout")
	_ = rootCmd.MarkPersistentFlagRequired("server")

	rootCmd.AddCommand(registerCmd(), getCmd(), verifyCmd(), masterKeyCmd())
}

func connect() (*kmipclient.Client, error) {
	client, err := kmipclient.NewClient(params)
	if err != nil {
		return nil, err
	}
	client.Log = log.New(os.Stderr, "[kmipctl] ", log.LstdFlags)
	if err := client.Connect(); err != nil {
		return nil, err
	}
	return client, nil
}

func registerCmd() *cobra.Command {
	var keyFile string
	var noActivate bool

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register (and activate) a symmetric key, printing its identifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			material, err := keyMaterial(keyFile)
			if err != nil {
				return err
			}

			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			keyID, err := client.RegisterSymmetricKey(kmipclient.NewAESKey(material), !noActivate)
			if err != nil {
				return err
			}
			fmt.Println(keyID)
			return nil
		},
	}

	cmd.Flags().StringVar(&keyFile, "key-file", "", "file with raw key material; a random 32-byte key is generated if omitted")
	cmd.Flags().BoolVar(&noActivate, "no-activate", false, "skip the activation exchange")
	return cmd
}

func getCmd() *cobra.Command {
	var keyID string
	var verify bool

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Retrieve a symmetric key, printing its material base64-encoded",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			key, entryErr, err := client.GetSymmetricKey(keyID, verify)
			if err != nil {
				return err
			}
			if key == nil {
				return fmt.Errorf("key %q: %s", keyID, entryErr)
			}
			fmt.Println(base64.StdEncoding.EncodeToString(key.Material()))
			return nil
		},
	}

	cmd.Flags().StringVar(&keyID, "key-id", "", "identifier of the key to retrieve")
	cmd.Flags().BoolVar(&verify, "verify", false, "verify the key is active before retrieving it")
	_ = cmd.MarkFlagRequired("key-id")
	return cmd
}

func verifyCmd() *cobra.Command {
	var keyID string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that a key exists and is active",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			entryErr, err := client.VerifyKeyIsActive(keyID)
			if err != nil {
				return err
			}
			if entryErr != kmipclient.KeyEntryNone {
				return fmt.Errorf("key %q: %s", keyID, entryErr)
			}
			fmt.Println("active")
			return nil
		},
	}

	cmd.Flags().StringVar(&keyID, "key-id", "", "identifier of the key to check")
	_ = cmd.MarkFlagRequired("key-id")
	return cmd
}

func masterKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "master-key",
		Short: "Resolve the master key, printing its identifier and base64-encoded material",
		Long: "Resolve the master key the way a database server does on startup: " +
			"without --key-id, or with --rotate, a fresh key is registered and activated; " +
			"otherwise the configured key is fetched and its state verified.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			key, err := client.ResolveMasterKey(params)
			if err != nil {
				return err
			}
			fmt.Println(key.ID())
			fmt.Println(base64.StdEncoding.EncodeToString(key.Material()))
			return nil
		},
	}

	cmd.Flags().StringVar(&params.KeyIdentifier, "key-id", "", "identifier of an existing master key")
	cmd.Flags().BoolVar(&params.RotateMasterKey, "rotate", false, "register a fresh master key even if --key-id is set")
	return cmd
}

func keyMaterial(keyFile string) ([]byte, error) {
	if keyFile != "" {
		return os.ReadFile(keyFile)
	}
	material := make([]byte, 32)
	if _, err := rand.Read(material); err != nil {
		return nil, err
	}
	return material, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
