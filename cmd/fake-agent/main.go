// ABOUTME: Standalone fake worker agent for demos and end-to-end testing.
// ABOUTME: Usage: fake-agent [-addr :9100] [-persona currency|math|report|echo] [-manifest card.toml]

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/2389/switchboard/internal/capability"
	"github.com/2389/switchboard/internal/registry"
	"github.com/2389/switchboard/internal/routing"
)

func main() {
	addr := flag.String("addr", "localhost:9100", "listen address")
	personaName := flag.String("persona", "echo", "built-in persona: currency, math, report, or echo")
	manifestPath := flag.String("manifest", "", "TOML manifest overriding the capability card and replies")
	chunkDelay := flag.Duration("chunk-delay", 25*time.Millisecond, "pause between streamed chunks")
	flag.Parse()

	if err := run(*addr, *personaName, *manifestPath, *chunkDelay); err != nil {
		log.Fatal(err)
	}
}

func run(addr, personaName, manifestPath string, chunkDelay time.Duration) error {
	p, err := builtinPersona(personaName)
	if err != nil {
		return err
	}

	if manifestPath != "" {
		var m manifest
		if _, err := toml.DecodeFile(manifestPath, &m); err != nil {
			return fmt.Errorf("loading manifest %s: %w", manifestPath, err)
		}
		p = applyManifest(p, m)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc(registry.DescriptorPath, handleDescriptor(p.card))
	mux.HandleFunc(routing.InvokePath, handleInvoke(p, chunkDelay))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("fake agent %q listening on %s", p.card.Name, addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// persona bundles a capability card with a reply function that turns a
// query into the chunks to stream back.
type persona struct {
	card  capability.Descriptor
	reply func(query string) []string
}

func builtinPersona(name string) (persona, error) {
	var p persona
	switch name {
	case "currency":
		p = persona{
			card: capability.Descriptor{
				Name:        "currency_agent",
				DisplayName: "Currency Agent",
				Description: "Converts amounts between major currencies using a fixed demo rate table.",
				Version:     "1.0.0",
				Skills: []capability.DescriptorSkill{{
					ID:          "currency_exchange",
					Name:        "Currency Exchange",
					Description: "Convert an amount from one currency to another",
					Tags:        []string{"currency", "exchange", "convert", "usd", "eur"},
					Examples:    []string{"convert 100 USD to EUR"},
				}},
				Keywords: []string{"currency", "exchange", "rate", "money"},
			},
			reply: currencyReply,
		}
	case "math":
		p = persona{
			card: capability.Descriptor{
				Name:        "math_agent",
				DisplayName: "Math Agent",
				Description: "Evaluates simple two-operand arithmetic expressions.",
				Version:     "1.0.0",
				Skills: []capability.DescriptorSkill{{
					ID:          "arithmetic",
					Name:        "Arithmetic",
					Description: "Evaluate expressions of the form a op b",
					Tags:        []string{"math", "arithmetic", "calculate", "compute"},
					Examples:    []string{"what is 12 * 7"},
				}},
				Keywords: []string{"math", "calculate", "sum", "multiply", "divide"},
			},
			reply: mathReply,
		}
	case "report":
		p = persona{
			card: capability.Descriptor{
				Name:        "report_agent",
				DisplayName: "Report Agent",
				Description: "Generates short multi-section status reports.",
				Version:     "1.0.0",
				Skills: []capability.DescriptorSkill{{
					ID:          "report_generation",
					Name:        "Report Generation",
					Description: "Produce a markdown status report on a topic",
					Tags:        []string{"report", "summary", "status", "analysis"},
					Examples:    []string{"generate a report on last week's activity"},
				}},
				Keywords: []string{"report", "summary", "overview"},
			},
			reply: reportReply,
		}
	case "echo":
		p = persona{
			card: capability.Descriptor{
				Name:        "echo_agent",
				DisplayName: "Echo Agent",
				Description: "Echoes queries back, with a little markdown when asked.",
				Version:     "1.0.0",
				Skills: []capability.DescriptorSkill{{
					ID:          "echo",
					Name:        "Echo",
					Description: "Repeat the query back to the caller",
					Tags:        []string{"echo", "test", "chat"},
				}},
				Keywords: []string{"echo", "repeat", "test"},
			},
			reply: echoReply,
		}
	default:
		return persona{}, fmt.Errorf("unknown persona %q (want currency, math, report, or echo)", name)
	}

	p.card.Capabilities.Streaming = true
	return p, nil
}

// manifest is the TOML file format for overriding a persona's card and
// canned replies. Empty fields keep the persona's values.
type manifest struct {
	Name         string          `toml:"name"`
	DisplayName  string          `toml:"display_name"`
	Description  string          `toml:"description"`
	Version      string          `toml:"version"`
	Keywords     []string        `toml:"keywords"`
	Streaming    *bool           `toml:"streaming"`
	Skills       []manifestSkill `toml:"skills"`
	Replies      []cannedReply   `toml:"replies"`
	DefaultReply string          `toml:"default_reply"`
}

type manifestSkill struct {
	ID          string   `toml:"id"`
	Name        string   `toml:"name"`
	Description string   `toml:"description"`
	Tags        []string `toml:"tags"`
	Examples    []string `toml:"examples"`
}

// cannedReply answers any query containing the (case-insensitive) match
// string. The first matching entry wins.
type cannedReply struct {
	Contains string `toml:"contains"`
	Reply    string `toml:"reply"`
}

func applyManifest(p persona, m manifest) persona {
	if m.Name != "" {
		p.card.Name = m.Name
	}
	if m.DisplayName != "" {
		p.card.DisplayName = m.DisplayName
	}
	if m.Description != "" {
		p.card.Description = m.Description
	}
	if m.Version != "" {
		p.card.Version = m.Version
	}
	if len(m.Keywords) > 0 {
		p.card.Keywords = m.Keywords
	}
	if m.Streaming != nil {
		p.card.Capabilities.Streaming = *m.Streaming
	}
	if len(m.Skills) > 0 {
		skills := make([]capability.DescriptorSkill, len(m.Skills))
		for i, s := range m.Skills {
			skills[i] = capability.DescriptorSkill{
				ID:          s.ID,
				Name:        s.Name,
				Description: s.Description,
				Tags:        s.Tags,
				Examples:    s.Examples,
			}
		}
		p.card.Skills = skills
	}

	if len(m.Replies) > 0 || m.DefaultReply != "" {
		base := p.reply
		replies := m.Replies
		fallback := m.DefaultReply
		p.reply = func(query string) []string {
			lower := strings.ToLower(query)
			for _, r := range replies {
				if r.Contains != "" && strings.Contains(lower, strings.ToLower(r.Contains)) {
					return []string{r.Reply}
				}
			}
			if fallback != "" {
				return []string{fallback}
			}
			return base(query)
		}
	}

	return p
}

func handleDescriptor(card capability.Descriptor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(card); err != nil {
			log.Printf("write descriptor: %v", err)
		}
	}
}

func handleInvoke(p persona, chunkDelay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, `{"error": "method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}

		var req routing.InvokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error": "invalid JSON body"}`, http.StatusBadRequest)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, `{"error": "streaming unsupported"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		log.Printf("invoke [%s]: %s", req.RequestID, req.Query)

		send := func(ev routing.Event) bool {
			if err := routing.WriteSSE(w, ev); err != nil {
				log.Printf("write event: %v", err)
				return false
			}
			flusher.Flush()
			return true
		}

		if !send(routing.StatusEvent("thinking...")) {
			return
		}

		// Queries tagged [error] exercise the caller's abort path.
		if strings.Contains(strings.ToLower(req.Query), "[error]") {
			send(routing.ErrorEvent(routing.CodeUpstreamFailure, "synthetic failure requested by query"))
			return
		}

		var full strings.Builder
		for _, chunk := range p.reply(req.Query) {
			if chunkDelay > 0 {
				select {
				case <-time.After(chunkDelay):
				case <-r.Context().Done():
					return
				}
			}
			full.WriteString(chunk)
			if !send(routing.ChunkEvent(chunk)) {
				return
			}
		}

		send(routing.DoneEvent(full.String()))
	}
}

// usdRates maps currency codes to their value per 1 USD. USD is the
// pivot for cross rates.
var usdRates = map[string]float64{
	"USD": 1.0,
	"EUR": 0.9241,
	"GBP": 0.7890,
	"JPY": 147.25,
	"CHF": 0.8810,
	"CAD": 1.3545,
}

func currencyReply(query string) []string {
	amount, from, to, ok := parseConversion(query)
	if !ok {
		return []string{`I can convert between USD, EUR, GBP, JPY, CHF, and CAD. Try "convert 100 USD to EUR".`}
	}

	converted := amount / usdRates[from] * usdRates[to]
	return []string{
		fmt.Sprintf("%s %s = ", formatAmount(amount), from),
		fmt.Sprintf("%s %s", formatAmount(converted), to),
	}
}

// parseConversion pulls an amount and two known currency codes out of a
// free-form query, in order of appearance.
func parseConversion(query string) (amount float64, from, to string, ok bool) {
	amount = 1
	var codes []string
	for _, tok := range strings.Fields(query) {
		tok = strings.Trim(tok, "?.,!")
		if v, err := strconv.ParseFloat(tok, 64); err == nil {
			amount = v
			continue
		}
		code := strings.ToUpper(tok)
		if _, known := usdRates[code]; known {
			codes = append(codes, code)
		}
	}
	if len(codes) < 2 {
		return 0, "", "", false
	}
	return amount, codes[0], codes[1], true
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func mathReply(query string) []string {
	a, op, b, ok := parseArithmetic(query)
	if !ok {
		return []string{`Give me a two-operand expression like "12 * 7".`}
	}

	var result float64
	switch op {
	case "+", "plus":
		result = a + b
	case "-", "minus":
		result = a - b
	case "*", "x", "times":
		result = a * b
	case "/":
		if b == 0 {
			return []string{"Division by zero is undefined."}
		}
		result = a / b
	}

	return []string{fmt.Sprintf("%s %s %s = %s",
		formatNumber(a), op, formatNumber(b), formatNumber(result))}
}

// parseArithmetic finds the first number, operator, number sequence in
// the query tokens.
func parseArithmetic(query string) (a float64, op string, b float64, ok bool) {
	operators := map[string]bool{
		"+": true, "-": true, "*": true, "x": true, "/": true,
		"plus": true, "minus": true, "times": true,
	}

	const (
		wantA = iota
		wantOp
		wantB
	)
	state := wantA
	for _, tok := range strings.Fields(query) {
		tok = strings.Trim(tok, "?.,!")
		switch state {
		case wantA:
			if v, err := strconv.ParseFloat(tok, 64); err == nil {
				a = v
				state = wantOp
			}
		case wantOp:
			if operators[strings.ToLower(tok)] {
				op = strings.ToLower(tok)
				state = wantB
			} else if v, err := strconv.ParseFloat(tok, 64); err == nil {
				a = v // a later number restarts the window
			}
		case wantB:
			if v, err := strconv.ParseFloat(tok, 64); err == nil {
				return a, op, v, true
			}
		}
	}
	return 0, "", 0, false
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func reportReply(query string) []string {
	topic := strings.TrimSpace(query)
	return []string{
		fmt.Sprintf("# Report: %s\n\n", topic),
		"## Summary\n\nAll systems nominal. Activity is within expected bounds for the period.\n\n",
		"## Details\n\n- Requests processed: 1,284\n- Error rate: 0.2%\n- P95 latency: 182ms\n\n",
		"## Recommendation\n\nNo action required.\n",
	}
}

func echoReply(query string) []string {
	lower := strings.ToLower(query)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "list") {
		return []string{
			"Here is a **markdown** response:\n\n",
			"- First item\n- Second item with `code`\n- Third item\n",
		}
	}
	return []string{fmt.Sprintf("Echo: %s", query)}
}
