package session

import "encoding/xml"

// productInfoDoc mirrors the PRODUCT_INFO payload shape: a <products> root
// containing one <product> element whose children are arbitrary
// tag/text pairs to fold into user attributes.
type productInfoDoc struct {
	XMLName  xml.Name        `xml:"products"`
	Products []productFields `xml:"product"`
}

type productFields struct {
	Fields []productField `xml:",any"`
}

type productField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// parseProductInfoXML parses a PRODUCT_INFO payload into a flat key/value
// map, matching the first <product> element's child tag/text pairs.
// Grounded on the teacher's descriptor.ParseDescriptor line-based text
// parsing idiom (github.com/cvsouth/tor-go/descriptor/descriptor.go),
// adapted to XML since that is PRODUCT_INFO's actual wire format.
func parseProductInfoXML(payload []byte) map[string]string {
	var doc productInfoDoc
	if err := xml.Unmarshal(payload, &doc); err != nil || len(doc.Products) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(doc.Products[0].Fields))
	for _, f := range doc.Products[0].Fields {
		attrs[f.XMLName.Local] = f.Value
	}
	return attrs
}
