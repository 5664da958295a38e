// Package web3 houses blockchain connectivity for the swap engine: the chain
// client abstraction used to read balances, estimate fees, submit signed
// transactions and poll receipts on every supported EVM network.
package web3
