package cookiejar

import "testing"

func TestSetAndHeader(t *testing.T) {
	jar := New()
	jar.Set([]string{"a=1; Path=/", "b=2"})
	jar.Set([]string{"a=3"})

	// Last-write-wins per name, insertion order preserved for new names.
	if got, want := jar.Header(), "a=3; b=2"; got != want {
		t.Errorf("Header() = %q, want %q", got, want)
	}
}

func TestHeaderEmpty(t *testing.T) {
	jar := New()
	if got := jar.Header(); got != "" {
		t.Errorf("Header() on empty jar = %q, want empty", got)
	}
}

func TestSetIgnoresAttributes(t *testing.T) {
	jar := New()
	jar.Set([]string{"token=xyz; Expires=Wed, 21 Oct 2025 07:28:00 GMT; HttpOnly; Secure"})

	if got, want := jar.Header(), "token=xyz"; got != want {
		t.Errorf("Header() = %q, want %q", got, want)
	}
	if v, ok := jar.Get("token"); !ok || v != "xyz" {
		t.Errorf("Get(token) = %q, %v", v, ok)
	}
}

func TestSetMalformedValues(t *testing.T) {
	jar := New()
	jar.Set([]string{"", ";", "noequals", "=orphanvalue", "ok=1"})

	if jar.Len() != 1 {
		t.Errorf("Len() = %d, want 1", jar.Len())
	}
	if got, want := jar.Header(), "ok=1"; got != want {
		t.Errorf("Header() = %q, want %q", got, want)
	}
}

func TestValueContainingEquals(t *testing.T) {
	jar := New()
	jar.Set([]string{"sig=a=b=c; Path=/"})

	if got, want := jar.Header(), "sig=a=b=c"; got != want {
		t.Errorf("Header() = %q, want %q", got, want)
	}
}

func TestEmptyValueKept(t *testing.T) {
	// Sites clear anti-bot cookies by re-setting them empty; the chain
	// still expects the name echoed back.
	jar := New()
	jar.Set([]string{"cleared="})

	if got, want := jar.Header(), "cleared="; got != want {
		t.Errorf("Header() = %q, want %q", got, want)
	}
}
