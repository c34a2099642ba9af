/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"

	"github.com/ubiquiti-community/napi-go/internal/config"
	"github.com/ubiquiti-community/napi-go/internal/httpapi"
	"github.com/ubiquiti-community/napi-go/internal/kv"
	"github.com/ubiquiti-community/napi-go/internal/models"
)

func newTestServer(t *testing.T) *httpapi.Server {
	t.Helper()
	store := kv.NewMemory()
	ctx := context.Background()

	buckets := []struct {
		bucket  models.Bucket
		deser   func([]byte) map[string]string
	}{
		{models.NicTagBucket(), func(raw []byte) map[string]string {
			v, err := models.DeserializeNicTag(raw)
			if err != nil {
				return nil
			}
			return v.IndexFields()
		}},
		{models.NetworkBucket(), func(raw []byte) map[string]string {
			v, err := models.DeserializeNetwork(raw)
			if err != nil {
				return nil
			}
			return v.IndexFields()
		}},
		{models.NetworkPoolBucket(), func(raw []byte) map[string]string {
			v, err := models.DeserializeNetworkPool(raw)
			if err != nil {
				return nil
			}
			return v.IndexFields()
		}},
		{models.NicBucket(), func(raw []byte) map[string]string {
			v, err := models.DeserializeNic(raw)
			if err != nil {
				return nil
			}
			return v.IndexFields()
		}},
		{models.AggregationBucket(), func(raw []byte) map[string]string {
			v, err := models.DeserializeAggregation(raw)
			if err != nil {
				return nil
			}
			return v.IndexFields()
		}},
	}
	for _, b := range buckets {
		if err := store.CreateBucket(ctx, b.bucket.Name, b.bucket.Schema); err != nil {
			t.Fatalf("CreateBucket %s: %v", b.bucket.Name, err)
		}
		store.RegisterIndexer(b.bucket.Name, b.deser)
	}

	cfg := config.Config{Port: 8080, LogLevel: "info", MTUDefault: 1500, AdminUUID: "00000000-0000-0000-0000-000000000001"}
	return httpapi.NewServer(store, cfg, logr.Discard())
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestNetworkLifecycleAndProvisioning(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	tagRec := doJSON(t, router, http.MethodPost, "/nic_tags", map[string]any{"name": "external0"})
	if tagRec.Code != http.StatusOK {
		t.Fatalf("create nic tag: status %d body %s", tagRec.Code, tagRec.Body.String())
	}

	netRec := doJSON(t, router, http.MethodPost, "/networks", map[string]any{
		"name":               "prod-a",
		"nic_tag":            "external0",
		"subnet":             "10.0.0.0/24",
		"provision_start_ip": "10.0.0.10",
		"provision_end_ip":   "10.0.0.20",
	})
	if netRec.Code != http.StatusOK {
		t.Fatalf("create network: status %d body %s", netRec.Code, netRec.Body.String())
	}
	var network models.Network
	if err := json.Unmarshal(netRec.Body.Bytes(), &network); err != nil {
		t.Fatalf("decode network: %v", err)
	}
	if network.UUID == "" {
		t.Fatal("expected a generated network uuid")
	}

	provRec := doJSON(t, router, http.MethodPost, "/networks/"+network.UUID+"/nics", map[string]any{
		"mac":             "aa:bb:cc:dd:ee:ff",
		"owner_uuid":      "00000000-0000-0000-0000-000000000002",
		"belongs_to_type": "server",
		"belongs_to_uuid": "00000000-0000-0000-0000-000000000003",
	})
	if provRec.Code != http.StatusOK {
		t.Fatalf("provision nic: status %d body %s", provRec.Code, provRec.Body.String())
	}
	var nic models.Nic
	if err := json.Unmarshal(provRec.Body.Bytes(), &nic); err != nil {
		t.Fatalf("decode nic: %v", err)
	}
	if nic.IP == "" {
		t.Fatal("expected the allocator to assign an ip within the provision range")
	}

	ipRec := doJSON(t, router, http.MethodGet, "/networks/"+network.UUID+"/ips/"+nic.IP, nil)
	if ipRec.Code != http.StatusOK {
		t.Fatalf("get ip: status %d body %s", ipRec.Code, ipRec.Body.String())
	}
	var rec models.IPRecord
	if err := json.Unmarshal(ipRec.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode ip record: %v", err)
	}
	if rec.Free() {
		t.Fatal("expected the provisioned ip to be owned, not free")
	}
}

func TestDeleteNicTagInUseIsRejected(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	doJSON(t, router, http.MethodPost, "/nic_tags", map[string]any{"name": "external0"})
	doJSON(t, router, http.MethodPost, "/networks", map[string]any{
		"name":               "prod-a",
		"nic_tag":            "external0",
		"subnet":             "10.0.0.0/24",
		"provision_start_ip": "10.0.0.10",
		"provision_end_ip":   "10.0.0.20",
	})

	rec := doJSON(t, router, http.MethodDelete, "/nic_tags/external0", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 (InUse), got status %d body %s", rec.Code, rec.Body.String())
	}
}
