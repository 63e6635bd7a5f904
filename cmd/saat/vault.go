package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mtzanidakis/saat/internal/store"
	"github.com/mtzanidakis/saat/internal/vault"
)

func runVault(args []string) error {
	if len(args) == 0 {
		printVaultUsage()
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Vault.Passphrase == "" {
		return fmt.Errorf("SAAT_VAULT_PASSPHRASE environment variable or vault.passphrase is required")
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	k := vault.NewKeeper(vault.New(cfg.Vault.Passphrase), db)

	switch args[0] {
	case "list":
		return vaultList(k)
	case "set":
		return vaultSet(k, args[1:])
	case "get":
		return vaultGet(k, args[1:])
	case "delete":
		return vaultDelete(k, args[1:])
	default:
		printVaultUsage()
		return fmt.Errorf("unknown vault command: %s", args[0])
	}
}

func printVaultUsage() {
	fmt.Fprintf(os.Stderr, `Usage: saat vault <command>

Commands:
  list                                              List all secrets (metadata only)
  set <name> --value <str> [--description <text>]   Store a string secret
  set <name> --file <path> [--description <text>]  Store a file's contents
  get <name>                                        Retrieve and decrypt a secret
  delete <name>                                     Delete a secret

Secrets are referenced from container agent env values as "secret:<name>".

Environment:
  SAAT_VAULT_PASSPHRASE                             Required. Encryption passphrase.
`)
}

func vaultList(k *vault.Keeper) error {
	secrets, err := k.List()
	if err != nil {
		return err
	}
	if len(secrets) == 0 {
		fmt.Println("No secrets stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION\tUPDATED")
	for _, s := range secrets {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Description, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func vaultSet(k *vault.Keeper, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: saat vault set <name> --value <string> | --file <path> [--description <text>]")
	}

	name := args[0]
	var value []byte
	switch args[1] {
	case "--value":
		value = []byte(args[2])
	case "--file":
		data, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
		value = data
	default:
		return fmt.Errorf("expected --value or --file, got %s", args[1])
	}

	// Check for optional --description flag
	description := ""
	for i := 3; i < len(args)-1; i++ {
		if args[i] == "--description" {
			description = args[i+1]
			break
		}
	}

	if err := k.Set(name, description, value); err != nil {
		return err
	}
	fmt.Printf("Secret %q saved, reference it as %q\n", name, vault.SecretRefPrefix+name)
	return nil
}

func vaultGet(k *vault.Keeper, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: saat vault get <name>")
	}

	plaintext, err := k.Get(args[0])
	if err != nil {
		return err
	}

	fmt.Print(string(plaintext))
	if len(plaintext) > 0 && plaintext[len(plaintext)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func vaultDelete(k *vault.Keeper, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: saat vault delete <name>")
	}
	if err := k.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("Secret %q deleted\n", args[0])
	return nil
}
