package document

import (
	"github.com/kokukuma/mdoc-wallet/mdoc"
)

// DefinitionFromDeviceRequest expresses a proximity request as a
// presentation definition: one descriptor per DocRequest, identified by
// docType, with one field per requested element.
func DefinitionFromDeviceRequest(id string, req *mdoc.ParsedDeviceRequest) PresentationDefinition {
	pd := PresentationDefinition{ID: id}
	for _, dr := range req.DocRequests {
		desc := InputDescriptor{
			ID:     string(dr.ItemsRequest.DocType),
			Format: Format{MsoMdoc: &AlgFormat{Alg: []string{"ES256", "ES384", "ES512"}}},
			Constraints: Constraints{
				LimitDisclosure: string(LimitDisclosureRequired),
			},
		}
		for _, ns := range dr.ItemsRequest.SortedNameSpaces() {
			elems := dr.ItemsRequest.NameSpaces[ns]
			for _, id := range elems.SortedElements() {
				desc.Constraints.Fields = append(desc.Constraints.Fields, PathField{
					Path:           []string{NameSpacedPath(ns, id).String()},
					IntentToRetain: elems[id],
				})
			}
		}
		pd.InputDescriptors = append(pd.InputDescriptors, desc)
	}
	return pd
}
