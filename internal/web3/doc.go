// Package web3 houses blockchain connectivity for the escrow ledger,
// including the signed settlement client, contract event decoding, and
// multi-chain configuration helpers. The on-chain contract is the source of
// truth for escrow state; everything above this package treats it that way.
package web3
