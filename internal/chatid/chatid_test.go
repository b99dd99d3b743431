package chatid

import "testing"

func TestResolve(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "Centro", "chat_centro"},
		{"multi word", "Bosque Peralta Ramos", "chat_bosque_peralta_ramos"},
		{"punctuation run", "Villa - Del  Parque!!", "chat_villa_del_parque"},
		{"leading and trailing junk", "  (San José) ", "chat_san_jos"},
		{"digits kept", "Barrio 12 de Octubre", "chat_barrio_12_de_octubre"},
		{"empty", "", "chat_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.in); got != tt.want {
				t.Fatalf("Resolve(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolveNormalizedFormsCollide(t *testing.T) {
	variants := []string{
		"Bosque Peralta Ramos",
		"bosque peralta ramos",
		"BOSQUE   PERALTA-RAMOS",
		"bosque_peralta_ramos",
		"..Bosque Peralta Ramos..",
	}
	want := Resolve(variants[0])
	for _, v := range variants {
		if got := Resolve(v); got != want {
			t.Fatalf("Resolve(%q) = %q, want %q", v, got, want)
		}
	}
}

func TestResolveDeterministic(t *testing.T) {
	for i := 0; i < 3; i++ {
		if Resolve("La Perla") != "chat_la_perla" {
			t.Fatal("Resolve is not stable across calls")
		}
	}
}

func TestIsLegacyID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"5f1c9a2b4d6e8f0a1b2c3d4e", true},
		{"000000000000000000000000", true},
		{"chat_bosque_peralta_ramos", false},
		{"5f1c9a2b4d6e8f0a1b2c3d4", false},   // too short
		{"5f1c9a2b4d6e8f0a1b2c3d4ef", false}, // too long
		{"5f1c9a2b4d6e8f0a1b2c3d4g", false},  // non-hex rune
		{"", false},
	}
	for _, tt := range tests {
		if got := IsLegacyID(tt.id); got != tt.want {
			t.Fatalf("IsLegacyID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
