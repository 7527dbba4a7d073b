// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package utils

import (
	"os"
	"path/filepath"
	"testing"
)

type testData struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func TestReadJsonFile_CanReadJsonData(t *testing.T) {
	file := filepath.Join(t.TempDir(), "data.json")
	if err := os.WriteFile(file, []byte(`{"name":"John","age":30}`), 0600); err != nil {
		t.Fatal(err)
	}

	data, err := ReadJsonFile[testData](file)
	if err != nil {
		t.Fatal(err)
	}
	if data.Name != "John" || data.Age != 30 {
		t.Errorf("unexpected data: %v", data)
	}
}

func TestReadJsonFileInto_KeepsMissingFields(t *testing.T) {
	file := filepath.Join(t.TempDir(), "data.json")
	if err := os.WriteFile(file, []byte(`{"age":31}`), 0600); err != nil {
		t.Fatal(err)
	}

	data := testData{Name: "John", Age: 30}
	if err := ReadJsonFileInto(file, &data); err != nil {
		t.Fatal(err)
	}
	if data.Name != "John" || data.Age != 31 {
		t.Errorf("unexpected data: %v", data)
	}
}

func TestReadJsonFile_DetectsMissingFile(t *testing.T) {
	if _, err := ReadJsonFile[testData](filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected an error")
	}
}

func TestReadJsonFile_DetectsMarshalingError(t *testing.T) {
	file := filepath.Join(t.TempDir(), "data.json")
	if err := os.WriteFile(file, []byte(`{}`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadJsonFile[chan bool](file); err == nil {
		t.Error("expected an error")
	}
}

func TestWriteJsonFile_WrittenDataCanBeRead(t *testing.T) {
	file := filepath.Join(t.TempDir(), "data.json")
	want := testData{Name: "John", Age: 30}
	if err := WriteJsonFile(file, want); err != nil {
		t.Fatalf("failed to write JSON file: %v", err)
	}
	got, err := ReadJsonFile[testData](file)
	if err != nil {
		t.Fatalf("failed to read JSON file: %v", err)
	}
	if got != want {
		t.Errorf("unexpected data, wanted %v, got %v", want, got)
	}
}

func TestWriteJsonFile_DetectsMarshalingError(t *testing.T) {
	file := filepath.Join(t.TempDir(), "data.json")
	if err := WriteJsonFile(file, make(chan bool)); err == nil {
		t.Error("expected an error")
	}
}
