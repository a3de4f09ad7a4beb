package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	language  string
	input     string
	inputFile string
	problemID string
	userID    string
)

func main() {
	root := &cobra.Command{
		Use:          "judge-cli",
		Short:        "CLI client for judge-engine",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("JUDGE_SERVER", "http://localhost:8080"), "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("JUDGE_API_KEY"), "API key (submit only)")

	runCmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Run code once against a custom input",
		Long:  "Run reads source from file, or from stdin when no file is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVarP(&language, "language", "l", "", "Language: cpp, c, java, python (default: from file extension)")
	runCmd.Flags().StringVarP(&input, "input", "i", "", "Input passed to stdin")
	runCmd.Flags().StringVar(&inputFile, "input-file", "", "Read the input from a file")
	root.AddCommand(runCmd)

	submitCmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Grade code against a problem's hidden test cases",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSubmit,
	}
	submitCmd.Flags().StringVarP(&language, "language", "l", "", "Language: cpp, c, java, python (default: from file extension)")
	submitCmd.Flags().StringVarP(&problemID, "problem", "p", "", "Problem ID")
	submitCmd.Flags().StringVarP(&userID, "user", "u", os.Getenv("JUDGE_USER"), "User the submission is made for")
	_ = submitCmd.MarkFlagRequired("problem")
	root.AddCommand(submitCmd)

	root.AddCommand(&cobra.Command{
		Use:   "languages",
		Short: "List supported languages and their limits",
		RunE: func(_ *cobra.Command, _ []string) error {
			_, err := call(http.MethodGet, "/languages", nil, nil)
			return err
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			_, err := call(http.MethodGet, "/health", nil, nil)
			return err
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRun(_ *cobra.Command, args []string) error {
	code, lang, err := readSource(args)
	if err != nil {
		return err
	}
	stdin := input
	if inputFile != "" {
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return fmt.Errorf("reading input file: %w", err)
		}
		stdin = string(data)
	}

	status, err := call(http.MethodPost, "/run", map[string]string{
		"language": lang,
		"code":     code,
		"input":    stdin,
	}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		os.Exit(2)
	}
	return nil
}

func runSubmit(_ *cobra.Command, args []string) error {
	if userID == "" {
		return fmt.Errorf("--user (or JUDGE_USER) is required")
	}
	code, lang, err := readSource(args)
	if err != nil {
		return err
	}

	header := map[string]string{"X-User-ID": userID}
	if apiKey != "" {
		header["X-API-Key"] = apiKey
	}
	var verdict struct {
		PassedAll bool `json:"passedAll"`
	}
	status, err := callInto(http.MethodPost, "/submit", map[string]string{
		"language":  lang,
		"code":      code,
		"problemId": problemID,
	}, header, &verdict)
	if err != nil {
		return err
	}
	if status != http.StatusOK || !verdict.PassedAll {
		os.Exit(2)
	}
	return nil
}

func readSource(args []string) (string, string, error) {
	lang := language
	var data []byte
	var err error
	if len(args) > 0 {
		data, err = os.ReadFile(args[0])
		if err != nil {
			return "", "", fmt.Errorf("reading file: %w", err)
		}
		if lang == "" {
			lang = languageFor(args[0])
		}
	} else {
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return "", "", fmt.Errorf("reading stdin: %w", err)
		}
	}
	if lang == "" {
		return "", "", fmt.Errorf("cannot detect language, use --language")
	}
	return string(data), lang, nil
}

func languageFor(path string) string {
	switch filepath.Ext(path) {
	case ".cpp", ".cc", ".cxx":
		return "cpp"
	case ".c":
		return "c"
	case ".java":
		return "java"
	case ".py":
		return "python"
	}
	return ""
}

// call performs a request and pretty prints the JSON response.
func call(method, path string, payload any, header map[string]string) (int, error) {
	return callInto(method, path, payload, header, nil)
}

func callInto(method, path string, payload any, header map[string]string, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	// A full suite runs inside one request.
	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
	if retry := resp.Header.Get("Retry-After"); retry != "" {
		fmt.Fprintf(os.Stderr, "rate limited, retry after %ss\n", retry)
	}

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
