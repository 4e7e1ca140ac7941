package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"ChainTrader/internal/web3"
)

const promptPreamble = `You are a trading assistant for an EVM exchange chain. Answer blockchain questions and operate the user's agent through the provided functions.

Rules:
1. For balances, orders, order books, markets or deposits, call the matching function instead of guessing.
2. Never invent market tickers or denoms. Use only the ones listed below.
3. Before placing, cancelling or transferring, restate the action. Execute only when the user has asked for it explicitly.
4. When a function fails, report the error kind and message to the user as they are.`

// systemPrompt 根据链配置与会话状态生成系统提示。
func systemPrompt(defs web3.ChainDefinitions, agentID string, network web3.Network) string {
	var b strings.Builder
	b.WriteString(promptPreamble)
	b.WriteString("\n\n")
	if agentID == "" {
		b.WriteString("No agent is active for this session. Functions that sign or need an address will fail until one is selected.\n")
	} else {
		fmt.Fprintf(&b, "Active agent: %s\n", agentID)
	}
	if network != "" {
		fmt.Fprintf(&b, "Active network: %s\n", network)
	}

	networks := make([]string, 0, len(defs.Networks))
	for name := range defs.Networks {
		networks = append(networks, string(name))
	}
	sort.Strings(networks)
	for _, name := range networks {
		def := defs.Networks[web3.Network(name)]
		fmt.Fprintf(&b, "\nNetwork %s", name)
		if def.Description != "" {
			fmt.Fprintf(&b, " (%s)", def.Description)
		}
		b.WriteString(":\n")
		if len(def.Markets) > 0 {
			b.WriteString("  markets:")
			for _, m := range def.Markets {
				fmt.Fprintf(&b, " %s [%s]", m.Ticker, m.Kind)
			}
			b.WriteString("\n")
		}
		if symbols := def.DenomSymbols(); len(symbols) > 0 {
			fmt.Fprintf(&b, "  denoms: %s\n", strings.Join(symbols, ", "))
		}
	}
	return b.String()
}
