package domain

// NodeKind distinguishes the two kinds of topology nodes a link can join
type NodeKind string

const (
	NodeKindHost    NodeKind = "host"
	NodeKindSwitch  NodeKind = "switch"
	NodeKindUnknown NodeKind = "unknown"
)
