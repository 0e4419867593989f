// Package web3 defines the chain access boundary used by the wallet layer and
// the on-chain tools. Concrete network clients live in subpackages; network
// endpoint definitions are loaded from a YAML file at startup.
package web3
