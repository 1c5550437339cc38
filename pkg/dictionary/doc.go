// Package dictionary holds the content model: the types, aspects,
// properties and associations nodes may use, their inheritance, default
// values and protection. The built-in sys: and cm: models are always
// present; further models are loaded from YAML with LoadModel.
package dictionary
