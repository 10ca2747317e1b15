package tcp

import "testing"

func TestDialAddressParsing(t *testing.T) {
	s, err := Dial("example.com,2217", 0)
	if err != nil {
		t.Fatal(err)
	}
	c := s.(*tcp)
	if c.hostname != "example.com" || c.port != 2217 {
		t.Fatalf("parsed %s:%d", c.hostname, c.port)
	}

	// IPv6 literals keep their colons, only the last comma splits
	s, err = Dial("::1,23", 0)
	if err != nil {
		t.Fatal(err)
	}
	c = s.(*tcp)
	if c.hostname != "::1" || c.port != 23 {
		t.Fatalf("parsed %s:%d", c.hostname, c.port)
	}

	if _, err = Dial(",23", 0); err == nil {
		t.Fatal("empty host accepted")
	}
	if _, err = Dial("host,", 0); err == nil {
		t.Fatal("empty port accepted")
	}
}
