package discovery

// Discovery abstracts how seed replicas are provided to the presence layer.
type Discovery interface {
    Seeds() []string
}
