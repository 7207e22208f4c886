// Command resolvarr-cli resolves gateway links from the terminal. By
// default it runs the static engine in-process; pass --server to route
// the request through a running Resolvarr service instead, which also
// unlocks headless escalation.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/resolvarr/resolvarr/internal/classify"
	"github.com/resolvarr/resolvarr/internal/cookiejar"
	"github.com/resolvarr/resolvarr/internal/decode"
	"github.com/resolvarr/resolvarr/internal/extract"
	"github.com/resolvarr/resolvarr/internal/fetch"
	"github.com/resolvarr/resolvarr/internal/formsubmit"
	"github.com/resolvarr/resolvarr/internal/hostrules"
	"github.com/resolvarr/resolvarr/internal/resolver"
	"github.com/resolvarr/resolvarr/internal/sites"
	"github.com/resolvarr/resolvarr/internal/types"
	"github.com/resolvarr/resolvarr/pkg/version"
)

var (
	flagSite      string
	flagReferer   string
	flagMaxHops   int
	flagTimeout   time.Duration
	flagRules     string
	flagDecryptor string
	flagServer    string
	flagJSON      bool
	flagDebug     bool
)

var rootCmd = &cobra.Command{
	Use:   "resolvarr-cli <url>",
	Short: "Resolve a gateway link down to its direct media URL",
	Long: `resolvarr-cli chases redirect chains through media gateways until it
reaches a direct file URL, printing the result and the visited chain.`,
	Args: cobra.ExactArgs(1),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		if flagDebug {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		}
	},
	RunE: resolveRun,
}

// resolveCmd is an explicit alias for the root behavior, so both
// `resolvarr-cli <url>` and `resolvarr-cli resolve <url>` work.
var resolveCmd = &cobra.Command{
	Use:   "resolve <url>",
	Short: "Resolve a gateway link (same as the bare command)",
	Args:  cobra.ExactArgs(1),
	RunE:  resolveRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("resolvarr-cli %s (%s)\n", version.Full(), version.GoVersion())
	},
}

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "List the known site profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := hostrules.NewManager(flagRules, false)
		if err != nil {
			return err
		}
		defer rules.Close()
		registry := sites.NewRegistry(classify.New(rules), nil, nil, 0)
		for _, name := range registry.Names() {
			fmt.Println(name)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagSite, "site", "s", "", "Site profile name (empty = generic)")
	rootCmd.PersistentFlags().StringVarP(&flagReferer, "referer", "r", "", "Referer for the first hop")
	rootCmd.PersistentFlags().IntVar(&flagMaxHops, "max-hops", 0, "Hop limit (0 = default)")
	rootCmd.PersistentFlags().DurationVarP(&flagTimeout, "timeout", "t", 60*time.Second, "Overall resolution budget")
	rootCmd.PersistentFlags().StringVar(&flagRules, "rules", "", "Path to an external host rules file")
	rootCmd.PersistentFlags().StringVar(&flagDecryptor, "decryptor", "", "Base URL of the decryption service")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "Resolve via a running Resolvarr service (e.g. http://127.0.0.1:8192)")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "Print the result as JSON")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "x", false, "Debug logging to stderr")

	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(sitesCmd)
}

func resolveRun(cmd *cobra.Command, args []string) error {
	startURL := args[0]

	ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
	defer cancel()

	var result *types.LinkResult
	var err error
	if flagServer != "" {
		result, err = resolveRemote(ctx, startURL)
	} else {
		result, err = resolveLocal(ctx, startURL)
	}
	if err != nil {
		return err
	}

	return printResult(result)
}

// resolveLocal runs the static engine in-process. Headless escalation
// needs a browser pool, so chains that require rendering come back as
// soft results here.
func resolveLocal(ctx context.Context, startURL string) (*types.LinkResult, error) {
	rules, err := hostrules.NewManager(flagRules, false)
	if err != nil {
		return nil, fmt.Errorf("loading host rules: %w", err)
	}
	defer rules.Close()

	client := fetch.New(fetch.Options{
		Timeout:       15 * time.Second,
		RetryAttempts: 2,
		RetryBackoff:  2 * time.Second,
		UserAgent:     version.UserAgent,
	})
	classifier := classify.New(rules)

	var decryptor *decode.Decryptor
	if flagDecryptor != "" {
		decryptor = decode.NewDecryptor(flagDecryptor)
	}
	pageFetch := func(ctx context.Context, pageURL, referer string) (string, error) {
		resp, err := client.Do(ctx, cookiejar.New(), fetch.Request{URL: pageURL, Referer: referer})
		if err != nil {
			return "", err
		}
		return resp.Body, nil
	}
	registry := sites.NewRegistry(classifier, decryptor, pageFetch, 30*time.Second)

	static := resolver.NewStatic(client, classifier, extract.New(rules), formsubmit.New(client, rules), flagMaxHops)

	req := &types.ResolutionRequest{
		StartURL: startURL,
		Referer:  flagReferer,
		Site:     flagSite,
		MaxHops:  flagMaxHops,
	}
	if err := registry.Apply(req); err != nil {
		return nil, err
	}

	started := time.Now()
	res, err := static.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	return types.NewLinkResult(startURL, res, "static", time.Since(started).Milliseconds()), nil
}

// resolveRemote posts the request to a running service.
func resolveRemote(ctx context.Context, startURL string) (*types.LinkResult, error) {
	req := types.Request{
		Cmd:        types.CmdResolve,
		URL:        startURL,
		Referer:    flagReferer,
		Site:       flagSite,
		MaxHops:    flagMaxHops,
		MaxTimeout: int(flagTimeout.Milliseconds()),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(flagServer, "/") + "/v1"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := os.Getenv("RESOLVARR_API_KEY"); key != "" {
		httpReq.Header.Set("X-API-Key", key)
	}

	httpResp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("contacting %s: %w", flagServer, err)
	}
	defer httpResp.Body.Close()

	var resp types.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if resp.Status != types.StatusOK {
		return nil, fmt.Errorf("service error: %s", resp.Message)
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("service returned no result")
	}
	return resp.Result, nil
}

func printResult(result *types.LinkResult) error {
	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	for i, u := range result.VisitedChain {
		fmt.Printf("  %2d. %s\n", i+1, u)
	}
	if result.Direct {
		fmt.Printf("\ndirect: %s\n", result.FinalURL)
		return nil
	}
	fmt.Printf("\nno direct link (%s), last URL: %s\n", result.TerminatedBy, result.FinalURL)
	// A non-zero exit lets scripts tell a soft miss from a resolved link.
	os.Exit(2)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
