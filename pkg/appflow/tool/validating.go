package tool

import "context"

// ValidatingGateway checks input before and output after every call to an
// inner gateway. Unknown tools are rejected before the inner gateway runs.
type ValidatingGateway struct {
	catalog *Catalog
	inner   Gateway
}

// NewValidatingGateway wraps inner with catalog's schemas.
func NewValidatingGateway(catalog *Catalog, inner Gateway) *ValidatingGateway {
	return &ValidatingGateway{catalog: catalog, inner: inner}
}

// Invoke implements Gateway.
func (g *ValidatingGateway) Invoke(ctx context.Context, req Request) (Response, error) {
	if err := g.catalog.ValidateInput(req.Tool, req.Input); err != nil {
		return Response{}, err
	}
	resp, err := g.inner.Invoke(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if err := g.catalog.ValidateOutput(req.Tool, resp.Output); err != nil {
		return Response{}, err
	}
	return resp, nil
}
