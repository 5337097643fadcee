package credentials

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// SetupMenu shows the credential management menu on stdin/stdout.
func SetupMenu(manager *Manager) error {
	return setupMenu(manager, bufio.NewReader(os.Stdin), os.Stdout)
}

func setupMenu(manager *Manager, in *bufio.Reader, out io.Writer) error {
	creds, err := manager.Load()
	if err != nil {
		return err
	}

	for {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
		fmt.Fprintln(out, "  kbagent Setup")
		fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Current authentication:", describe(creds))
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Options:")
		fmt.Fprintln(out, "  1) Use Azure sign-in (az login, managed identity, environment)")
		fmt.Fprintln(out, "  2) Use a project API key")
		fmt.Fprintln(out, "  3) Exit")
		fmt.Fprintln(out)

		choice := promptWithDefault(in, out, "Choice", "3")

		switch choice {
		case "1", "azure":
			tenant := promptWithDefault(in, out, "Tenant ID (blank for default)", "")
			creds.UseAzure(tenant)
			if err := manager.Save(creds); err != nil {
				fmt.Fprintln(out, "❌ Error:", err)
				continue
			}
			fmt.Fprintln(out, "✓ Azure sign-in selected. Run 'az login' if you have not already.")
		case "2", "key":
			key := prompt(in, out, "Enter the API key")
			if key == "" {
				fmt.Fprintln(out, "❌ API key cannot be empty.")
				continue
			}
			creds.SetAPIKey(key)
			if err := manager.Save(creds); err != nil {
				fmt.Fprintln(out, "❌ Error:", err)
				continue
			}
			fmt.Fprintln(out, "✓ API key saved securely to:", manager.Path())
		case "3", "exit", "quit", "q":
			return nil
		default:
			fmt.Fprintln(out, "❌ Invalid choice")
		}
	}
}

func describe(creds *Credentials) string {
	if creds.UsesKey() {
		return "API key (" + maskKey(creds.APIKey) + ")"
	}
	if creds.TenantID != "" {
		return "Azure sign-in, tenant " + creds.TenantID
	}
	return "Azure sign-in"
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func prompt(in *bufio.Reader, out io.Writer, msg string) string {
	fmt.Fprintf(out, "%s: ", msg)
	line, _ := in.ReadString('\n')
	return strings.TrimSpace(line)
}

func promptWithDefault(in *bufio.Reader, out io.Writer, msg, defaultValue string) string {
	fmt.Fprintf(out, "%s [%s]: ", msg, defaultValue)
	line, _ := in.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return defaultValue
	}
	return line
}
