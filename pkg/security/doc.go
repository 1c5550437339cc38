// Package security carries the acting user and locale on a context and
// decides node permissions. The node store consults a Checker before every
// read or write; AllowAll suits embedded use and ACLChecker grants per node
// with inheritance along primary parents.
package security
