package anacrolix

import (
	"errors"
	"testing"

	"swarmstream/internal/domain"
)

func TestParseSource(t *testing.T) {
	const hexHash = "08ada5a7a6183aae1e09d831df6748d566095a10"

	tests := []struct {
		name    string
		src     string
		want    domain.InfoHash
		wantErr error
	}{
		{
			name: "magnet uri",
			src:  "magnet:?xt=urn:btih:" + hexHash + "&dn=Sintel",
			want: domain.InfoHash(hexHash),
		},
		{
			name: "bare infohash",
			src:  hexHash,
			want: domain.InfoHash(hexHash),
		},
		{
			name: "upper case infohash",
			src:  "08ADA5A7A6183AAE1E09D831DF6748D566095A10",
			want: domain.InfoHash(hexHash),
		},
		{
			name: "infohash with surrounding whitespace",
			src:  "  " + hexHash + "\n",
			want: domain.InfoHash(hexHash),
		},
		{
			name:    "malformed magnet",
			src:     "magnet:?xt=urn:btih:nothex",
			wantErr: domain.ErrInvalidIdentifier,
		},
		{
			name:    "short hex",
			src:     "08ada5a7",
			wantErr: domain.ErrInvalidIdentifier,
		},
		{
			name:    "http url",
			src:     "https://example.com/file.torrent",
			wantErr: domain.ErrInvalidIdentifier,
		},
		{
			name:    "empty",
			src:     "",
			wantErr: domain.ErrInvalidIdentifier,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSource(tt.src)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseSource(%q) error = %v, want %v", tt.src, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSource(%q) unexpected error: %v", tt.src, err)
			}
			if got != tt.want {
				t.Errorf("ParseSource(%q) = %s, want %s", tt.src, got, tt.want)
			}
		})
	}
}
