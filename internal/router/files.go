package router

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

type tripsFile struct {
	XMLName xml.Name `xml:"trips"`
	Trips   []trip   `xml:"trip"`
}

type trip struct {
	ID     string `xml:"id,attr"`
	Depart string `xml:"depart,attr"`
	From   string `xml:"from,attr"`
	To     string `xml:"to,attr"`
}

func writeTrips(path, from, to string) error {
	doc := tripsFile{Trips: []trip{{ID: "0", Depart: "0", From: from, To: to}}}
	out, err := xml.MarshalIndent(doc, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append([]byte(xml.Header), append(out, '\n')...), 0o644)
}

type candidate struct {
	cost  float64
	edges []string
}

var errNoRoutes = errors.New("no route element")

// cheapestRoute scans every <route> element in r and returns the edges of the
// one with the lowest cost. Routes without a cost attribute count as zero.
func cheapestRoute(r io.Reader) ([]string, error) {
	dec := xml.NewDecoder(r)
	var best *candidate
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse routes: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "route" {
			continue
		}
		c := candidate{}
		for _, attr := range start.Attr {
			switch attr.Name.Local {
			case "cost":
				c.cost, err = strconv.ParseFloat(attr.Value, 64)
				if err != nil {
					return nil, fmt.Errorf("parse routes: cost %q: %w", attr.Value, err)
				}
			case "edges":
				c.edges = strings.Fields(attr.Value)
			}
		}
		if best == nil || c.cost < best.cost {
			best = &c
		}
	}
	if best == nil {
		return nil, errNoRoutes
	}
	return best.edges, nil
}

func isJunction(edge string) bool { return strings.HasPrefix(edge, ":") }

func oppositeEdge(edge string) string {
	if strings.HasPrefix(edge, "-") {
		return edge[1:]
	}
	return "-" + edge
}

// correctRoute drops a leading edge the vehicle would have to U-turn out of,
// and the symmetric trailing edge, when the request endpoints are opposite
// edges or internal junction lanes.
func correctRoute(from, to string, route []string) []string {
	if len(route) <= 1 {
		return route
	}
	if isJunction(from) || route[1] == oppositeEdge(from) {
		route = route[1:]
	}
	if len(route) >= 2 && (isJunction(to) || route[len(route)-2] == oppositeEdge(to)) {
		route = route[:len(route)-1]
	}
	return route
}
