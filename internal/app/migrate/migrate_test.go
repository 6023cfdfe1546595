package migrate

import "testing"

func TestNewValidatesInputs(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name    string
		dsn     string
		dir     string
		wantErr bool
	}{
		{name: "missing dsn", dsn: "", dir: dir, wantErr: true},
		{name: "missing dir", dsn: "postgres://localhost/db", dir: "", wantErr: true},
		{name: "absent dir", dsn: "postgres://localhost/db", dir: dir + "/nope", wantErr: true},
		{name: "valid", dsn: "postgres://localhost/db", dir: dir},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.dsn, tc.dir, nil)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("expected success, got %v", err)
			}
		})
	}
}
