/*
Package types defines the identity and value types shared by the node store.

Nodes are addressed by NodeRef (store plus a stable id). A node's properties
and aspects at a given moment are identified by a NodeVersionKey, which pairs
the node's database id with a version number that only ever grows. Child and
peer associations are described by ChildAssociationRef and AssociationRef.

Property values are restricted to a small closed set of Go types (see
Properties) so that they survive persistence with their type intact.
*/
package types
