package integration

import "fmt"

func AdminClaims() TestClaims {
	return TestClaims{SubjectID: "user-admin", Email: "admin@fleet.example.com", Role: "ADMIN"}
}

func ManagerClaims() TestClaims {
	return TestClaims{SubjectID: "user-manager", Email: "manager@fleet.example.com", Role: "MANAGER"}
}

func DriverClaims() TestClaims {
	return TestClaims{SubjectID: "user-driver", Email: "driver@fleet.example.com", Role: "DRIVER"}
}

// FleetModules is the document every harness starts with. The fleet module
// has a vehicles page with every widget kind and a drivers page. The
// reports module is disabled.
const FleetModules = `{
	"version": 1,
	"modules": [
		{
			"id": "fleet",
			"name": "Fleet",
			"icon": "truck",
			"order": 1,
			"submodules": [
				{
					"id": "vehicles",
					"name": "Vehicles",
					"route": "/vehicles",
					"actions": [
						{"id": "create", "label": "Add vehicle", "type": "run-api", "target": "/api/vehicles",
						 "method": "POST", "permissions": ["MANAGER", "ADMIN"]},
						{"id": "hold", "label": "Hold", "type": "run-api", "target": "/api/vehicles/v-1/hold", "method": "POST"},
						{"id": "open-add", "label": "New", "type": "open-modal", "target": "add-modal"},
						{"id": "export", "label": "Export", "type": "export", "target": "/api/vehicles?format=csv"}
					],
					"metrics": [
						{"id": "count", "label": "Vehicles", "dataSource": {"url": "/api/vehicles", "path": "length"}},
						{"id": "active", "label": "Active", "unit": "%", "dataSource": {"url": "/api/vehicles/stats", "path": "active"}},
						{"id": "depot", "label": "Depot", "valueExpr": "Nairobi"}
					],
					"tables": [
						{"id": "list", "columns": [{"key": "plate", "label": "Plate"}, {"key": "seats", "label": "Seats"}],
						 "dataSource": {"url": "/api/vehicles"}}
					],
					"modals": [
						{"id": "add-modal", "title": "Add vehicle", "contentType": "form", "formId": "add-form"}
					],
					"forms": [
						{"id": "add-form", "title": "Add vehicle", "submitActionId": "create", "fields": [
							{"key": "plate", "label": "Plate", "type": "text", "required": true, "pattern": "^K[A-Z]{2} [0-9]{3}$"},
							{"key": "seats", "label": "Seats", "type": "number", "min": 1, "max": 60}
						]}
					]
				},
				{
					"id": "drivers",
					"name": "Drivers",
					"route": "/drivers",
					"tables": [
						{"id": "drivers", "columns": [{"key": "name", "label": "Name"}],
						 "dataSource": {"url": "/api/drivers", "path": "data"}}
					]
				}
			]
		},
		{
			"id": "reports",
			"name": "Reports",
			"order": 2,
			"enabled": false,
			"submodules": [
				{"id": "monthly", "name": "Monthly", "route": "/reports/monthly"}
			]
		}
	]
}`

// VehicleListFixture returns n vehicle rows with distinct plates.
func VehicleListFixture(n int) []map[string]any {
	rows := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, map[string]any{
			"plate": fmt.Sprintf("KA%c %03d", 'A'+i%26, i+1),
			"seats": 4,
		})
	}
	return rows
}
