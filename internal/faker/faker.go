// Package faker adapts github.com/jaswdr/faker to the
// `category.method(argsJSON?)` lookup grammar used by `#faker.`
// expressions. Only a curated subset of
// categories/methods is exposed — enough to cover realistic test-data
// generation without reflecting the entire faker surface into the
// expression language.
package faker

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jaswdr/faker"

	"github.com/flowtestlabs/flowtest/internal/errs"
)

// Generator evaluates "category.method(argsJSON?)" payloads.
type Generator struct {
	f faker.Faker
}

// New creates a faker Generator with a fresh random source.
func New() *Generator {
	return &Generator{f: faker.New()}
}

// Generate parses and evaluates a payload already stripped of its
// "#faker." prefix by the expression classifier (internal/expr).
func (g *Generator) Generate(payload string) (string, error) {
	category, method, args, err := parse(payload)
	if err != nil {
		return "", err
	}

	switch category {
	case "person":
		switch method {
		case "name":
			return g.f.Person().Name(), nil
		case "first_name":
			return g.f.Person().FirstName(), nil
		case "last_name":
			return g.f.Person().LastName(), nil
		case "title":
			return g.f.Person().Title(), nil
		}
	case "internet":
		switch method {
		case "email":
			return g.f.Internet().Email(), nil
		case "username":
			return g.f.Internet().User(), nil
		case "domain":
			return g.f.Internet().Domain(), nil
		case "url":
			return g.f.Internet().URL(), nil
		case "ipv4":
			return g.f.Internet().Ipv4(), nil
		case "password":
			return g.f.Internet().Password(), nil
		}
	case "phone":
		switch method {
		case "number":
			return g.f.Phone().Number(), nil
		}
	case "address":
		switch method {
		case "city":
			return g.f.Address().City(), nil
		case "country":
			return g.f.Address().Country(), nil
		case "street_address":
			return g.f.Address().StreetAddress(), nil
		case "postcode":
			return g.f.Address().PostCode(), nil
		}
	case "company":
		switch method {
		case "name":
			return g.f.Company().Name(), nil
		case "suffix":
			return g.f.Company().Suffix(), nil
		}
	case "uuid":
		switch method {
		case "v4":
			return g.f.UUID().V4(), nil
		}
	case "number":
		switch method {
		case "int":
			min, max := 0, 100
			if len(args) >= 2 {
				if mi, ok := args[0].(float64); ok {
					min = int(mi)
				}
				if ma, ok := args[1].(float64); ok {
					max = int(ma)
				}
			}
			return fmt.Sprintf("%d", g.f.IntBetween(min, max)), nil
		}
	case "datetime":
		switch method {
		case "iso8601":
			return g.f.Time().ISO8601(time.Now()), nil
		}
	case "lorem":
		switch method {
		case "word":
			return g.f.Lorem().Word(), nil
		case "sentence":
			n := 6
			if len(args) >= 1 {
				if f, ok := args[0].(float64); ok {
					n = int(f)
				}
			}
			return g.f.Lorem().Sentence(n), nil
		case "paragraph":
			return g.f.Lorem().Paragraph(3), nil
		}
	}

	return "", errs.New(errs.KindConfiguration, errs.CodeMissingField,
		fmt.Sprintf("unknown faker lookup: %s.%s", category, method), nil)
}

// parse splits "category.method(argsJSON?)" into its parts. argsJSON, if
// present, must be a JSON array.
func parse(payload string) (category, method string, args []interface{}, err error) {
	open := strings.IndexByte(payload, '(')
	head := payload
	var argsRaw string
	if open >= 0 {
		if !strings.HasSuffix(payload, ")") {
			return "", "", nil, errs.New(errs.KindConfiguration, errs.CodeMissingField, "unterminated faker call: "+payload, nil)
		}
		head = payload[:open]
		argsRaw = payload[open+1 : len(payload)-1]
	}

	dot := strings.IndexByte(head, '.')
	if dot < 0 {
		return "", "", nil, errs.New(errs.KindConfiguration, errs.CodeMissingField, "faker expression must be category.method: "+payload, nil)
	}
	category = head[:dot]
	method = head[dot+1:]

	if strings.TrimSpace(argsRaw) != "" {
		if jerr := json.Unmarshal([]byte("["+argsRaw+"]"), &args); jerr != nil {
			return "", "", nil, errs.New(errs.KindConfiguration, errs.CodeMissingField, "invalid faker args: "+argsRaw, jerr)
		}
	}
	return category, method, args, nil
}
