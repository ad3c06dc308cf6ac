// Package api defines the contracts shmipc-core offers to the layers built on
// top of it: a publish/subscribe front end, a discovery service or a language
// binding. Each contract is implemented by one of the pkg/ packages.
package api
