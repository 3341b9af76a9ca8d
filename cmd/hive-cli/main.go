// hive-cli is a thin client for the hived command surface.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	daemon := os.Getenv("HIVED_URL")
	if daemon == "" {
		daemon = "http://localhost:9735"
	}
	c := &client{base: daemon, http: &http.Client{Timeout: 30 * time.Second}}

	switch os.Args[1] {
	case "status":
		c.get("/v1/status")
	case "schemas":
		c.get("/v1/management/schemas")
	case "history":
		c.get("/v1/settlement/history")
	case "proposal":
		requireArg(2, "proposal <proposal_id>")
		c.get("/v1/settlement/" + os.Args[2])
	case "reputation":
		cmdReputation(c)
	case "offer":
		cmdOffer(c)
	case "propose":
		cmdPropose(c)
	case "issue":
		cmdIssue(c)
	case "revoke":
		cmdRevoke(c)
	case "execute":
		cmdExecute(c)
	case "intent":
		cmdIntent(c)
	case "channel-open":
		cmdChannelOpen(c)
	case "version":
		fmt.Printf("hive-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`hive-cli v` + version + ` — hived fleet coordinator client

Usage: hive-cli <command> [flags]

Commands:
  status                 Daemon identity, membership, and governance
  offer                  Register this node's BOLT12 settlement offer
  propose [flags]        Propose settlement for a period
  history                List settlement proposals
  proposal <id>          One proposal with votes and executions
  issue [flags]          Issue a reputation or management credential
  revoke [flags]         Revoke a credential
  execute [flags]        Execute a management action
  schemas                List the management schema registry
  intent [flags]         Claim a hive-wide intent lock
  reputation [flags]     Aggregated reputation for a peer
  channel-open [flags]   Open a channel (runs gates and intent lock)
  version                Print the client version

Environment:
  HIVED_URL              Daemon base URL (default http://localhost:9735)`)
}

type client struct {
	base string
	http *http.Client
}

func (c *client) get(path string) {
	resp, err := c.http.Get(c.base + path)
	exitOn(err)
	defer resp.Body.Close()
	printResponse(resp)
}

func (c *client) post(path string, body interface{}) {
	raw, err := json.Marshal(body)
	exitOn(err)
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(raw))
	exitOn(err)
	defer resp.Body.Close()
	printResponse(resp)
}

func printResponse(resp *http.Response) {
	raw, err := io.ReadAll(resp.Body)
	exitOn(err)

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "hive-cli: %v\n", err)
		os.Exit(1)
	}
}

func requireArg(n int, usage string) {
	if len(os.Args) <= n {
		fmt.Fprintf(os.Stderr, "Usage: hive-cli %s\n", usage)
		os.Exit(1)
	}
}

func cmdOffer(c *client) {
	fs := flag.NewFlagSet("offer", flag.ExitOnError)
	desc := fs.String("description", "hive settlement", "offer description")
	fs.Parse(os.Args[2:])
	c.post("/v1/offer/register", map[string]string{"description": *desc})
}

func cmdPropose(c *client) {
	fs := flag.NewFlagSet("propose", flag.ExitOnError)
	period := fs.String("period", "", "ISO week period, e.g. 2026-34 (default: previous week)")
	fs.Parse(os.Args[2:])
	c.post("/v1/settlement/propose", map[string]string{"period": *period})
}

func cmdReputation(c *client) {
	fs := flag.NewFlagSet("reputation", flag.ExitOnError)
	peer := fs.String("peer", "", "subject peer id (required)")
	domain := fs.String("domain", "", "credential domain, empty for all")
	fs.Parse(os.Args[2:])
	if *peer == "" {
		fs.Usage()
		os.Exit(1)
	}
	path := "/v1/reputation/" + *peer
	if *domain != "" {
		path += "?domain=" + *domain
	}
	c.get(path)
}

func cmdIssue(c *client) {
	fs := flag.NewFlagSet("issue", flag.ExitOnError)
	kind := fs.String("kind", "reputation", "credential kind: reputation or management")
	subject := fs.String("subject", "", "subject peer id (reputation)")
	domain := fs.String("domain", "hive:node", "credential domain (reputation)")
	outcome := fs.String("outcome", "neutral", "outcome (reputation)")
	metricsJSON := fs.String("metrics", "{}", "metrics as JSON (reputation)")
	agent := fs.String("agent", "", "agent id (management)")
	tier := fs.String("tier", "monitor", "tier (management)")
	schemas := fs.String("schemas", "", "comma-separated allowed schema patterns (management)")
	validDays := fs.Int("valid-days", 30, "validity in days (management)")
	fs.Parse(os.Args[2:])

	switch *kind {
	case "reputation":
		var metrics map[string]float64
		exitOn(json.Unmarshal([]byte(*metricsJSON), &metrics))
		c.post("/v1/credentials/reputation/issue", map[string]interface{}{
			"subject_id": *subject,
			"domain":     *domain,
			"metrics":    metrics,
			"outcome":    *outcome,
		})
	case "management":
		c.post("/v1/credentials/management/issue", map[string]interface{}{
			"agent_id":        *agent,
			"tier":            *tier,
			"allowed_schemas": strings.Split(*schemas, ","),
			"valid_days":      *validDays,
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown credential kind %q\n", *kind)
		os.Exit(1)
	}
}

func cmdRevoke(c *client) {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	kind := fs.String("kind", "reputation", "credential kind: reputation or management")
	id := fs.String("id", "", "credential id (required)")
	reason := fs.String("reason", "", "revocation reason")
	fs.Parse(os.Args[2:])
	if *id == "" {
		fs.Usage()
		os.Exit(1)
	}
	body := map[string]string{"credential_id": *id, "reason": *reason}
	if *kind == "management" {
		c.post("/v1/credentials/management/revoke", body)
		return
	}
	c.post("/v1/credentials/reputation/revoke", body)
}

func cmdExecute(c *client) {
	fs := flag.NewFlagSet("execute", flag.ExitOnError)
	cred := fs.String("credential", "", "management credential id (required)")
	schema := fs.String("schema", "", "schema id, e.g. hive:monitor/get_status (required)")
	paramsJSON := fs.String("params", "{}", "action params as JSON")
	fs.Parse(os.Args[2:])
	if *cred == "" || *schema == "" {
		fs.Usage()
		os.Exit(1)
	}
	var params map[string]interface{}
	exitOn(json.Unmarshal([]byte(*paramsJSON), &params))
	c.post("/v1/management/execute", map[string]interface{}{
		"credential_id": *cred,
		"schema_id":     *schema,
		"params":        params,
	})
}

func cmdIntent(c *client) {
	fs := flag.NewFlagSet("intent", flag.ExitOnError)
	kind := fs.String("kind", "", "intent kind, e.g. channel_open (required)")
	target := fs.String("target", "", "intent target (required)")
	fs.Parse(os.Args[2:])
	if *kind == "" || *target == "" {
		fs.Usage()
		os.Exit(1)
	}
	c.post("/v1/intent", map[string]string{"kind": *kind, "target": *target})
}

func cmdChannelOpen(c *client) {
	fs := flag.NewFlagSet("channel-open", flag.ExitOnError)
	node := fs.String("node", "", "remote node id (required)")
	amount := fs.Int64("amount", 0, "channel size in sats (required)")
	feerate := fs.Int("feerate", 0, "feerate in sat/vB, 0 for node default")
	announce := fs.Bool("announce", true, "announce the channel")
	fs.Parse(os.Args[2:])
	if *node == "" || *amount <= 0 {
		fs.Usage()
		os.Exit(1)
	}
	c.post("/v1/channel/open", map[string]interface{}{
		"node_id":        *node,
		"amount_sats":    *amount,
		"feerate_sat_vb": *feerate,
		"announce":       *announce,
	})
}
