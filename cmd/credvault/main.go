package main

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var rootCmd = &cobra.Command{
	Use:   "credvault",
	Short: "CredVault CLI",
	Long:  "A CLI for managing shared credentials in CredVault.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(loginCmd(), logoutCmd(), meCmd(), registerCmd())
	rootCmd.AddCommand(credentialsCmd())
	rootCmd.AddCommand(categoriesCmd())
	rootCmd.AddCommand(filesCmd())
	rootCmd.AddCommand(usersCmd())
	rootCmd.AddCommand(auditCmd())
}

// promptLine reads one line from stdin after printing label.
func promptLine(label string) string {
	fmt.Print(label)
	return readLine()
}

// promptSecret reads a value without echoing it when stdin is a terminal.
func promptSecret(label string) (string, error) {
	fmt.Print(label)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readLine(), nil
	}
	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return string(b), nil
}

func readLine() string {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	return strings.TrimSpace(scanner.Text())
}

// secretFlag returns the flag value, prompting for it when the value is "-".
func secretFlag(cmd *cobra.Command, name, label string) (string, error) {
	v, _ := cmd.Flags().GetString(name)
	if v != "-" {
		return v, nil
	}
	return promptSecret(label)
}

// --- auth ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login [email]",
		Short: "Authenticate and store a session token",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr, _ := cmd.Flags().GetString("address"); addr != "" {
				cfg.Address = addr
			}
			email := cfg.Email
			if len(args) > 0 {
				email = args[0]
			}
			if email == "" {
				email = promptLine("Email: ")
			}
			password, err := promptSecret("Password: ")
			if err != nil {
				printError(err.Error())
				return nil
			}

			client := newClient()
			result, err := client.post("/api/auth/login", map[string]any{"email": email, "password": password})
			if err != nil {
				printError(err.Error())
				return nil
			}
			return storeSession(result)
		},
	}
	cmd.Flags().String("address", "", "Server address to save with the session")
	return cmd
}

// storeSession saves the token and email from a session response.
func storeSession(result any) error {
	sess, _ := result.(map[string]any)
	token, _ := sess["token"].(string)
	if token == "" {
		printError("server returned no token")
		return nil
	}
	cfg.Token = token
	if user, ok := sess["user"].(map[string]any); ok {
		cfg.Email, _ = user["email"].(string)
		printSuccess(fmt.Sprintf("Success! Logged in as %v (%v).", user["email"], user["role"]))
	}
	if exp, ok := sess["expiresAt"]; ok {
		fmt.Printf("Session expires at %v\n", exp)
	}
	return saveConfig()
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Token = ""
			if err := saveConfig(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func meCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show the signed-in account",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/api/auth/me")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

func registerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <email>",
		Short: "Register an account (open only until the first account exists)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			password, err := promptSecret("Password: ")
			if err != nil {
				printError(err.Error())
				return nil
			}
			client := newClient()
			result, err := client.post("/api/auth/register", map[string]any{
				"email":    args[0],
				"password": password,
				"role":     role,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			if cfg.Token == "" {
				return storeSession(result)
			}
			printSuccess("Success! Registered " + args[0])
			return nil
		},
	}
	cmd.Flags().String("role", "", "Role: Admin or User")
	return cmd
}

// --- credentials ---

var credentialColumns = []string{"id", "name", "hostOrUrl", "username", "canViewSecret", "updatedAtUtc"}

func credentialFlags(cmd *cobra.Command) {
	cmd.Flags().String("category", "", "Category id")
	cmd.Flags().String("name", "", "Display name")
	cmd.Flags().String("host", "", "Host or URL")
	cmd.Flags().String("username", "", "Username")
	cmd.Flags().String("password", "", `Password ("-" to prompt)`)
	cmd.Flags().String("connection-string", "", `Connection string ("-" to prompt)`)
	cmd.Flags().String("notes", "", "Notes")
	cmd.Flags().String("app-name", "", "Application name")
	cmd.Flags().String("app-link", "", "Application link")
	cmd.Flags().Bool("vpn", false, "Server requires VPN")
}

func credentialBody(cmd *cobra.Command) (map[string]any, error) {
	password, err := secretFlag(cmd, "password", "Password: ")
	if err != nil {
		return nil, err
	}
	conn, err := secretFlag(cmd, "connection-string", "Connection string: ")
	if err != nil {
		return nil, err
	}
	str := func(name string) string {
		v, _ := cmd.Flags().GetString(name)
		return v
	}
	body := map[string]any{
		"categoryId":       str("category"),
		"name":             str("name"),
		"hostOrUrl":        str("host"),
		"username":         str("username"),
		"password":         password,
		"connectionString": conn,
		"notes":            str("notes"),
		"appName":          str("app-name"),
		"appLink":          str("app-link"),
	}
	if cmd.Flags().Changed("vpn") {
		vpn, _ := cmd.Flags().GetBool("vpn")
		body["serverVpnRequired"] = vpn
	}
	return body, nil
}

func credentialsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "credentials", Aliases: []string{"creds"}, Short: "Manage credentials"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/credentials"
			if cat, _ := cmd.Flags().GetString("category"); cat != "" {
				path += "?categoryId=" + url.QueryEscape(cat)
			}
			result, err := newClient().get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result, credentialColumns...)
			return nil
		},
	}
	listCmd.Flags().String("category", "", "Only credentials in this category")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a credential and its secrets when permitted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/api/credentials/" + url.PathEscape(args[0]))
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a credential (administrators only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := credentialBody(cmd)
			if err != nil {
				printError(err.Error())
				return nil
			}
			result, err := newClient().post("/api/credentials", body)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	credentialFlags(createCmd)

	updateCmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace every field of a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := credentialBody(cmd)
			if err != nil {
				printError(err.Error())
				return nil
			}
			result, err := newClient().put("/api/credentials/"+url.PathEscape(args[0]), body)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	credentialFlags(updateCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a credential and its attachments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().delete("/api/credentials/" + url.PathEscape(args[0])); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Credential deleted.")
			return nil
		},
	}

	cmd.AddCommand(listCmd, getCmd, createCmd, updateCmd, deleteCmd)
	return cmd
}

// --- categories ---

func categoriesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "categories", Short: "Manage categories"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/api/categories")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result, "id", "name", "description")
			return nil
		},
	}

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, _ := cmd.Flags().GetString("description")
			result, err := newClient().post("/api/categories", map[string]any{"name": args[0], "description": desc})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().String("description", "", "Description")

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a category and every credential in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().delete("/api/categories/" + url.PathEscape(args[0])); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Category deleted.")
			return nil
		},
	}

	cmd.AddCommand(listCmd, createCmd, deleteCmd)
	return cmd
}

// --- files ---

func filesPath(credentialID string) string {
	return "/api/credentials/" + url.PathEscape(credentialID) + "/files"
}

func filesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "files", Short: "Manage credential attachments"}

	listCmd := &cobra.Command{
		Use:   "list <credential-id>",
		Short: "List attachments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get(filesPath(args[0]))
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result, "id", "fileName", "contentType", "size", "uploadedAtUtc")
			return nil
		},
	}

	uploadCmd := &cobra.Command{
		Use:   "upload <credential-id> <file>",
		Short: "Attach a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().upload(filesPath(args[0]), args[1])
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	downloadCmd := &cobra.Command{
		Use:   "download <credential-id> <file-id> <dest>",
		Short: "Save an attachment to dest",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.OpenFile(args[2], os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
			if err != nil {
				printError(err.Error())
				return nil
			}
			err = newClient().download(filesPath(args[0])+"/"+url.PathEscape(args[1]), f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(args[2])
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Saved " + args[2])
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <credential-id> <file-id>",
		Short: "Delete an attachment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().delete(filesPath(args[0]) + "/" + url.PathEscape(args[1])); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Attachment deleted.")
			return nil
		},
	}

	cmd.AddCommand(listCmd, uploadCmd, downloadCmd, deleteCmd)
	return cmd
}

// --- users ---

func usersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "users", Short: "Manage accounts (administrators only)"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts and their grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/api/users")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result, "id", "email", "role", "credentialIds")
			return nil
		},
	}

	createCmd := &cobra.Command{
		Use:   "create <email>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			password, err := promptSecret("Password: ")
			if err != nil {
				printError(err.Error())
				return nil
			}
			result, err := newClient().post("/api/users", map[string]any{
				"email":    args[0],
				"password": password,
				"role":     role,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().String("role", "User", "Role: Admin or User")

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().delete("/api/users/" + url.PathEscape(args[0])); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Account deleted.")
			return nil
		},
	}

	grantCmd := &cobra.Command{
		Use:   "grant <user-id> [credential-id ...]",
		Short: "Set exactly which restricted credentials an account may see",
		Long:  "Replaces the account's grants. Run with no credential ids to revoke every grant.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := args[1:]
			if ids == nil {
				ids = []string{}
			}
			result, err := newClient().put("/api/users/"+url.PathEscape(args[0])+"/access", map[string]any{"credentialIds": ids})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(listCmd, createCmd, deleteCmd, grantCmd)
	return cmd
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the request audit log (administrators only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for _, name := range []string{"path", "since"} {
				if v, _ := cmd.Flags().GetString(name); v != "" {
					q.Set(name, v)
				}
			}
			if v, _ := cmd.Flags().GetString("account"); v != "" {
				q.Set("accountId", v)
			}
			if n, _ := cmd.Flags().GetInt("limit"); n > 0 {
				q.Set("limit", fmt.Sprint(n))
			}
			path := "/api/audit-log"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			result, err := newClient().get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			if m, ok := result.(map[string]any); ok {
				result = m["data"]
			}
			printResult(result, "timestamp", "account_id", "operation", "path", "response_code", "response_time_ms")
			return nil
		},
	}
	cmd.Flags().String("path", "", "Path prefix")
	cmd.Flags().String("account", "", "Account id")
	cmd.Flags().String("since", "", "RFC 3339 lower bound")
	cmd.Flags().Int("limit", 50, "Maximum entries")
	return cmd
}
