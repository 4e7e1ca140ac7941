package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"ChainTrader/sdk/go/chaintrader"
)

func main() {
	mux := http.NewServeMux()
	demo := chaintrader.Agent{
		ID:              "demo",
		Address:         "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23",
		SigningMaterial: "[REDACTED]",
		Network:         "testnet",
		CreatedAt:       time.Now().UTC(),
	}
	mux.HandleFunc("/agents", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(map[string]any{"agents": []chaintrader.Agent{demo}})
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(demo)
	})
	mux.HandleFunc("/sessions/demo-session/network", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Network string `json:"network"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(chaintrader.Session{ID: "demo-session", ActiveAgentID: "demo", ActiveNetwork: body.Network})
	})
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chaintrader.ChatResponse{
			SessionID: "demo-session",
			Response:  "You hold 3 INJ on testnet.",
			Calls: []chaintrader.FunctionCall{{
				Name:   "query_balances",
				Result: chaintrader.FunctionResult{OK: true, Payload: map[string]any{"inj": "3"}},
			}},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := chaintrader.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent, err := client.CreateAgent(ctx, chaintrader.CreateAgentRequest{ID: "demo", Network: "testnet"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("agent %s at %s\n", agent.ID, agent.Address)

	agents, err := client.ListAgents(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("%d agent(s) registered\n", len(agents))

	reply, err := client.Chat(ctx, chaintrader.ChatRequest{Message: "what is my balance?", AgentID: agent.ID})
	if err != nil {
		panic(err)
	}
	fmt.Println(reply.Response)
	for _, call := range reply.Calls {
		fmt.Printf("  %s ok=%v payload=%v\n", call.Name, call.Result.OK, call.Result.Payload)
	}

	sess, err := client.SetSessionNetwork(ctx, reply.SessionID, "mainnet")
	if err != nil {
		panic(err)
	}
	fmt.Printf("session %s now on %s\n", sess.ID, sess.ActiveNetwork)
}
