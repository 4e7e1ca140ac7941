// Package web3 holds the network-facing vocabulary of the trading core:
// network definitions loaded from chain.yaml, the Chain capability used by
// the client factory and executor, amount conversion between display units
// and base units, and the classification of RPC failures into transport
// failures and chain rejections.
package web3
